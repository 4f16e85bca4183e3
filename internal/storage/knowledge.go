package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/Veraticus/taxflow/internal/aggregate"
	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/service"
)

var nodeColumns = []string{"code", "level", "description", "source_file", "source_section", "source_field", "source_page"}

// LoadKnowledge replaces every knowledge table with the bundle's contents.
func (s *SQLiteStorage) LoadKnowledge(ctx context.Context, bundle model.KnowledgeBundle) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"commodity_nodes", "tax_segments", "tax_rule_patterns", "tax_rules", "interpretation_rules"} {
			// #nosec G202 - table names come from the fixed list above
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}

		for _, n := range bundle.Nodes {
			code := model.NormalizeCommodityCode(n.Code)
			level, ok := model.LevelOf(code)
			if !ok {
				return fmt.Errorf("%w: commodity code %q", common.ErrUnknownCode, n.Code)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO commodity_nodes
				(code, parent, level, description, description_norm, source_file, source_section, source_field, source_page)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, code, model.ParentCode(code), int(level), n.Description, aggregate.Normalize(n.Description),
				n.Source.File, n.Source.Section, n.Source.Field, n.Source.Page); err != nil {
				return fmt.Errorf("failed to insert node %s: %w", code, err)
			}
		}

		for _, seg := range bundle.Segments {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO tax_segments
				(code, name, required_activity, source_file, source_section, source_field, source_page)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, seg.Code, seg.Name, model.NormalizeActivity(seg.RequiredActivity),
				seg.Source.File, seg.Source.Section, seg.Source.Field, seg.Source.Page); err != nil {
				return fmt.Errorf("failed to insert segment %s: %w", seg.Code, err)
			}
		}

		for _, r := range bundle.TaxRules {
			if err := insertTaxRule(ctx, tx, r); err != nil {
				return err
			}
		}

		for i, rule := range bundle.InterpretationRules {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO interpretation_rules
				(id, position, title, text, source_file, source_section, source_field, source_page)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, rule.ID, i, rule.Title, rule.Text,
				rule.Source.File, rule.Source.Section, rule.Source.Field, rule.Source.Page); err != nil {
				return fmt.Errorf("failed to insert interpretation rule %s: %w", rule.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.cacheMu.Lock()
	s.nodeCache = make(map[string]*model.CommodityNode)
	s.cacheMu.Unlock()
	return nil
}

func insertTaxRule(ctx context.Context, tx *sql.Tx, r model.TaxRule) error {
	code := model.NormalizeTaxCode(r.Code)
	terms, err := json.Marshal(r.ExcludedTerms)
	if err != nil {
		return fmt.Errorf("failed to marshal excluded terms: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO tax_rules
		(code, description, excluded_terms, valid_from, valid_to, source_file, source_section, source_field, source_page)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, code, r.Description, string(terms), nullTime(r.ValidFrom), nullTime(r.ValidTo),
		r.Source.File, r.Source.Section, r.Source.Field, r.Source.Page)
	if err != nil {
		return fmt.Errorf("failed to insert tax rule %s: %w", code, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read tax rule id: %w", err)
	}

	for i, pattern := range r.Patterns {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tax_rule_patterns (rule_id, position, pattern) VALUES (?, ?, ?)`,
			id, i, model.NormalizeCommodityCode(pattern)); err != nil {
			return fmt.Errorf("failed to insert pattern for %s: %w", code, err)
		}
	}
	return nil
}

// Node returns the node with the given code.
func (s *SQLiteStorage) Node(ctx context.Context, code string) (*model.CommodityNode, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	code = model.NormalizeCommodityCode(code)

	s.cacheMu.RLock()
	cached, ok := s.nodeCache[code]
	s.cacheMu.RUnlock()
	if ok {
		n := *cached
		return &n, nil
	}

	query, args, err := builder.Select(nodeColumns...).From("commodity_nodes").Where(sq.Eq{"code": code}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build node query: %w", err)
	}
	node, err := scanNode(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("commodity node %s: %w", code, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}

	s.cacheMu.Lock()
	s.nodeCache[code] = node
	s.cacheMu.Unlock()

	n := *node
	return &n, nil
}

// Children returns the direct children of parent in code order.
func (s *SQLiteStorage) Children(ctx context.Context, parent string) ([]model.CommodityNode, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return s.queryNodes(ctx, builder.Select(nodeColumns...).
		From("commodity_nodes").
		Where(sq.Eq{"parent": model.NormalizeCommodityCode(parent)}).
		OrderBy("code"))
}

// SearchNodes returns nodes whose normalized description has a word starting
// with any query term. Nodes matching more terms come first, then by code, so
// the limit keeps the most relevant nodes.
func (s *SQLiteStorage) SearchNodes(ctx context.Context, query service.NodeQuery) ([]model.CommodityNode, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	q := builder.Select(nodeColumns...).From("commodity_nodes")
	if query.Level != 0 {
		q = q.Where(sq.Eq{"level": int(query.Level)})
	}
	if prefix := model.NormalizeCommodityCode(query.Prefix); prefix != "" {
		q = q.Where(sq.Like{"code": prefix + "%"})
	}
	if len(query.Terms) > 0 {
		anyTerm := sq.Or{}
		var hits []string
		var hitArgs []any
		for _, term := range query.Terms {
			if term = aggregate.Normalize(term); term != "" {
				pattern := "% " + term + "%"
				anyTerm = append(anyTerm, sq.Expr("(' ' || description_norm) LIKE ?", pattern))
				hits = append(hits, "(CASE WHEN (' ' || description_norm) LIKE ? THEN 1 ELSE 0 END)")
				hitArgs = append(hitArgs, pattern)
			}
		}
		if len(anyTerm) == 0 {
			return nil, nil
		}
		q = q.Where(anyTerm).OrderByClause("("+strings.Join(hits, " + ")+") DESC", hitArgs...)
	}
	q = q.OrderBy("code")
	if query.Limit > 0 {
		q = q.Limit(uint64(query.Limit))
	}
	return s.queryNodes(ctx, q)
}

func (s *SQLiteStorage) queryNodes(ctx context.Context, q sq.SelectBuilder) ([]model.CommodityNode, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build node query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var nodes []model.CommodityNode
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, *node)
	}
	return nodes, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNode(row scanner) (*model.CommodityNode, error) {
	var n model.CommodityNode
	var level int
	if err := row.Scan(&n.Code, &level, &n.Description,
		&n.Source.File, &n.Source.Section, &n.Source.Field, &n.Source.Page); err != nil {
		return nil, err
	}
	n.Level = model.CommodityLevel(level)
	return &n, nil
}

// TaxRulesFor returns every rule with an association pattern covering the commodity code.
func (s *SQLiteStorage) TaxRulesFor(ctx context.Context, commodityCode string) ([]model.TaxRule, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	code := model.NormalizeCommodityCode(commodityCode)

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.code, r.description, r.excluded_terms, r.valid_from, r.valid_to,
		       r.source_file, r.source_section, r.source_field, r.source_page, p.pattern
		FROM tax_rules r
		JOIN tax_rule_patterns p ON p.rule_id = r.id
		WHERE r.id IN (
			SELECT rule_id FROM tax_rule_patterns WHERE ? LIKE pattern || '%'
		)
		ORDER BY r.id, p.position
	`, code)
	if err != nil {
		return nil, fmt.Errorf("failed to query tax rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []model.TaxRule
	lastID := int64(-1)
	for rows.Next() {
		var (
			id              int64
			r               model.TaxRule
			terms, pattern  string
			validFrom, till sql.NullTime
		)
		if err := rows.Scan(&id, &r.Code, &r.Description, &terms, &validFrom, &till,
			&r.Source.File, &r.Source.Section, &r.Source.Field, &r.Source.Page, &pattern); err != nil {
			return nil, fmt.Errorf("failed to scan tax rule: %w", err)
		}
		if id != lastID {
			if err := json.Unmarshal([]byte(terms), &r.ExcludedTerms); err != nil {
				return nil, fmt.Errorf("failed to decode excluded terms of %s: %w", r.Code, err)
			}
			r.ValidFrom = timePtr(validFrom)
			r.ValidTo = timePtr(till)
			rules = append(rules, r)
			lastID = id
		}
		last := &rules[len(rules)-1]
		last.Patterns = append(last.Patterns, pattern)
	}
	return rules, rows.Err()
}

// Segment returns the tax segment with the given two-digit code.
func (s *SQLiteStorage) Segment(ctx context.Context, code string) (*model.TaxSegment, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	var seg model.TaxSegment
	err := s.db.QueryRowContext(ctx, `
		SELECT code, name, required_activity, source_file, source_section, source_field, source_page
		FROM tax_segments WHERE code = ?
	`, code).Scan(&seg.Code, &seg.Name, &seg.RequiredActivity,
		&seg.Source.File, &seg.Source.Section, &seg.Source.Field, &seg.Source.Page)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tax segment %s: %w", code, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get segment: %w", err)
	}
	return &seg, nil
}

// InterpretationRules returns the interpretation-rule texts in load order.
func (s *SQLiteStorage) InterpretationRules(ctx context.Context) ([]model.InterpretationRule, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, text, source_file, source_section, source_field, source_page
		FROM interpretation_rules ORDER BY position
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query interpretation rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []model.InterpretationRule
	for rows.Next() {
		var r model.InterpretationRule
		if err := rows.Scan(&r.ID, &r.Title, &r.Text,
			&r.Source.File, &r.Source.Section, &r.Source.Field, &r.Source.Page); err != nil {
			return nil, fmt.Errorf("failed to scan interpretation rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// KnowledgeCounts reports how many entries of each kind are loaded.
func (s *SQLiteStorage) KnowledgeCounts(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	for name, query := range map[string]string{
		"nodes":                "SELECT COUNT(*) FROM commodity_nodes",
		"segments":             "SELECT COUNT(*) FROM tax_segments",
		"tax_rules":            "SELECT COUNT(*) FROM tax_rules",
		"interpretation_rules": "SELECT COUNT(*) FROM interpretation_rules",
	} {
		var n int
		if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", name, err)
		}
		counts[name] = n
	}
	return counts, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
