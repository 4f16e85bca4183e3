// Package llm provides the language model completion capability used by the
// classification agents. It supports OpenAI and Anthropic transports, with
// retry logic, rate limiting, and response caching layered on top.
package llm
