package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Veraticus/taxflow/internal/aggregate"
	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/llm"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/taxcode"
)

// EnvPrefix is the prefix of environment variables read by viper.
const EnvPrefix = "TAXFLOW"

// Settings is the resolved application configuration.
type Settings struct {
	Strategies    map[string]model.Strategy
	Abbreviations map[string]string
	DatabasePath  string
	ServerAddr    string
	LLM           llm.Config
	Aggregation   aggregate.Config
	Engine        EngineSettings
	// TaxConsistencyFloor holds tax rules whose text shares less than this
	// with the product for review.
	TaxConsistencyFloor float64
}

// EngineSettings configures the orchestrator worker pool.
type EngineSettings struct {
	Workers            int
	PauseAfterFailures int
	PauseDuration      time.Duration
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "~/.local/share/taxflow/taxflow.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.retry_delay", time.Second)
	v.SetDefault("llm.call_timeout", 45*time.Second)
	v.SetDefault("llm.cache_ttl", 24*time.Hour)
	v.SetDefault("llm.rate_limit", 60)

	v.SetDefault("aggregation.code_threshold", aggregate.DefaultCodeThreshold)
	v.SetDefault("aggregation.strict_threshold", aggregate.DefaultStrictThreshold)

	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.pause_after_failures", 5)
	v.SetDefault("engine.pause_duration", 30*time.Second)

	v.SetDefault("taxcode.consistency_floor", taxcode.DefaultConsistencyFloor)

	v.SetDefault("server.addr", "127.0.0.1:8080")
}

// Load resolves settings from v. A provider without an API key leaves the
// LLM disabled; callers then run every strategy rules-only.
func Load(v *viper.Viper) (*Settings, error) {
	s := &Settings{
		DatabasePath: ExpandPath(v.GetString("database.path")),
		ServerAddr:   v.GetString("server.addr"),
		Aggregation: aggregate.Config{
			CodeThreshold:   v.GetFloat64("aggregation.code_threshold"),
			StrictThreshold: v.GetFloat64("aggregation.strict_threshold"),
		},
		Engine: EngineSettings{
			Workers:            v.GetInt("engine.workers"),
			PauseAfterFailures: v.GetInt("engine.pause_after_failures"),
			PauseDuration:      v.GetDuration("engine.pause_duration"),
		},
		TaxConsistencyFloor: v.GetFloat64("taxcode.consistency_floor"),
		Abbreviations:       v.GetStringMapString("enrichment.abbreviations"),
	}

	for name, threshold := range map[string]float64{
		"aggregation.code_threshold":   s.Aggregation.CodeThreshold,
		"aggregation.strict_threshold": s.Aggregation.StrictThreshold,
	} {
		if threshold <= 0 || threshold > 1 {
			return nil, fmt.Errorf("%w: %s must be in (0,1], got %.2f", common.ErrInvalidConfig, name, threshold)
		}
	}
	if s.TaxConsistencyFloor < 0 || s.TaxConsistencyFloor > 1 {
		return nil, fmt.Errorf("%w: taxcode.consistency_floor must be in [0,1], got %.2f", common.ErrInvalidConfig, s.TaxConsistencyFloor)
	}
	if s.Engine.Workers <= 0 {
		return nil, fmt.Errorf("%w: engine.workers must be positive", common.ErrInvalidConfig)
	}

	llmCfg, err := loadLLM(v)
	if err != nil {
		return nil, err
	}
	s.LLM = llmCfg

	if s.Strategies, err = loadStrategies(v); err != nil {
		return nil, err
	}
	return s, nil
}

func loadLLM(v *viper.Viper) (llm.Config, error) {
	cfg := llm.Config{
		Provider:    strings.ToLower(v.GetString("llm.provider")),
		Model:       v.GetString("llm.model"),
		BaseURL:     v.GetString("llm.base_url"),
		Temperature: v.GetFloat64("llm.temperature"),
		MaxTokens:   v.GetInt("llm.max_tokens"),
		MaxRetries:  v.GetInt("llm.max_retries"),
		RetryDelay:  v.GetDuration("llm.retry_delay"),
		CallTimeout: v.GetDuration("llm.call_timeout"),
		CacheTTL:    v.GetDuration("llm.cache_ttl"),
		RateLimit:   v.GetInt("llm.rate_limit"),
	}

	switch cfg.Provider {
	case "openai":
		cfg.APIKey = firstNonEmpty(v.GetString("llm.openai_api_key"), os.Getenv("OPENAI_API_KEY"))
		if cfg.Model == "" {
			cfg.Model = "gpt-4o-mini"
		}
	case "anthropic":
		cfg.APIKey = firstNonEmpty(v.GetString("llm.anthropic_api_key"), os.Getenv("ANTHROPIC_API_KEY"))
		if cfg.Model == "" {
			cfg.Model = "claude-3-5-haiku-latest"
		}
	case "", "none":
		cfg.Provider = ""
	default:
		return cfg, fmt.Errorf("%w: unsupported llm.provider %q", common.ErrInvalidConfig, cfg.Provider)
	}
	return cfg, nil
}

// LLMEnabled reports whether a language model is configured.
func (s *Settings) LLMEnabled() bool {
	return s.LLM.Provider != "" && s.LLM.APIKey != ""
}

func loadStrategies(v *viper.Viper) (map[string]model.Strategy, error) {
	strategies := map[string]model.Strategy{}
	def := model.DefaultStrategy()
	strategies[def.Name] = def

	raw := map[string]model.Strategy{}
	if err := v.UnmarshalKey("strategies", &raw); err != nil {
		return nil, fmt.Errorf("%w: strategies: %w", common.ErrInvalidConfig, err)
	}
	for name, st := range raw {
		merged := def
		merged.Name = name
		if st.AutoApplyThreshold != 0 {
			merged.AutoApplyThreshold = st.AutoApplyThreshold
		}
		if st.ConfirmThreshold != 0 {
			merged.ConfirmThreshold = st.ConfirmThreshold
		}
		if st.FeedbackThreshold != 0 {
			merged.FeedbackThreshold = st.FeedbackThreshold
		}
		if st.MaxCandidates != 0 {
			merged.MaxCandidates = st.MaxCandidates
		}
		merged.RulesOnly = st.RulesOnly
		if err := merged.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", common.ErrInvalidConfig, err)
		}
		strategies[name] = merged
	}
	return strategies, nil
}

// Strategy returns the named strategy, or the default when name is empty.
func (s *Settings) Strategy(name string) (model.Strategy, error) {
	if name == "" {
		name = model.DefaultStrategy().Name
	}
	st, ok := s.Strategies[name]
	if !ok {
		return model.Strategy{}, fmt.Errorf("%w: unknown strategy %q (known: %s)",
			common.ErrInvalidConfig, name, strings.Join(s.StrategyNames(), ", "))
	}
	return st, nil
}

// StrategyNames lists the configured strategies in sorted order.
func (s *Settings) StrategyNames() []string {
	names := make([]string, 0, len(s.Strategies))
	for name := range s.Strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
