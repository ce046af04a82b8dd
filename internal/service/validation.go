package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/cockroachdb/apd/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/policy"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

// MakerAction is a request to perform a sensitive action, awaiting checkers.
type MakerAction struct {
	ActionType              string
	ResourceType            string
	ResourceID              string
	Payload                 json.RawMessage
	MakerID                 string
	BusinessJustification   string
	Amount                  *apd.Decimal
	Currency                string
	Priority                string
	RequestedCompletionDate *time.Time
}

// validate collects every violated field of a maker action.
func (a *MakerAction) validate(schemas *PayloadSchemas) error {
	v := map[string]string{}

	if strings.TrimSpace(a.ActionType) == "" {
		v["action_type"] = "action type is required"
	}
	if strings.TrimSpace(a.ResourceType) == "" {
		v["resource_type"] = "resource type is required"
	}
	if strings.TrimSpace(a.ResourceID) == "" {
		v["resource_id"] = "resource id is required"
	}
	if strings.TrimSpace(a.MakerID) == "" {
		v["maker_id"] = "maker id is required"
	}
	if strings.TrimSpace(a.BusinessJustification) == "" {
		v["business_justification"] = "business justification is required"
	}
	if a.Amount != nil {
		if a.Amount.Negative || a.Amount.Form != apd.Finite {
			v["amount"] = "amount must be a finite, non-negative number"
		}
	}
	if a.Currency != "" && !isCurrencyCode(a.Currency) {
		v["currency"] = "currency must be a three-letter ISO 4217 code"
	}
	if len(bytes.TrimSpace(a.Payload)) > 0 {
		if msg := schemas.check(a.ActionType, a.Payload); msg != "" {
			v["payload"] = msg
		}
	}

	if len(v) > 0 {
		return errors.Validation(v)
	}
	return nil
}

func isCurrencyCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, r := range s {
		if !unicode.IsUpper(r) || r > unicode.MaxASCII {
			return false
		}
	}
	return true
}

// ValidateMakerCheckerRules enforces the minimum bar for a checker: never the
// maker, and holding at least one role the action type admits at all. The
// per-step role gate is checked separately by the engine.
func ValidateMakerCheckerRules(actionType, makerID, checkerID string, checkerRoles []repository.Role) error {
	if strings.TrimSpace(checkerID) == "" {
		return errors.InvalidInput("checker_id", "checker id is required")
	}
	if makerID == checkerID {
		return errors.Unauthorized("maker cannot approve their own action")
	}
	if !policy.MayCheck(actionType, checkerRoles) {
		return errors.Unauthorized(fmt.Sprintf("checker holds no role permitted to approve %s", actionType))
	}
	return nil
}

// ── Payload schemas ──────────────────────────────────────────────────────────

// PayloadSchemas holds compiled JSON schemas keyed by action type. Action
// types without a schema accept any JSON payload.
type PayloadSchemas struct {
	schemas map[string]*jsonschema.Schema
}

var builtinPayloadSchemas = map[string]string{
	policy.ActionFundTransfer: `{
		"type": "object",
		"required": ["from_account", "to_account"],
		"properties": {
			"from_account": {"type": "string", "minLength": 1},
			"to_account":   {"type": "string", "minLength": 1},
			"reference":    {"type": "string"}
		}
	}`,
	policy.ActionTransactionReversal: `{
		"type": "object",
		"required": ["transaction_id"],
		"properties": {
			"transaction_id": {"type": "string", "minLength": 1},
			"reason_code":    {"type": "string"}
		}
	}`,
	policy.ActionLimitChange: `{
		"type": "object",
		"required": ["limit_type", "new_limit"],
		"properties": {
			"limit_type": {"type": "string", "enum": ["daily_transfer", "atm_withdrawal", "card_spend", "overdraft"]},
			"new_limit":  {"type": ["number", "string"]}
		}
	}`,
	policy.ActionRiskRatingChange: `{
		"type": "object",
		"required": ["new_rating"],
		"properties": {
			"old_rating": {"type": "string"},
			"new_rating": {"type": "string", "enum": ["low", "medium", "high", "prohibited"]}
		}
	}`,
}

// DefaultPayloadSchemas compiles the built-in schemas.
func DefaultPayloadSchemas() *PayloadSchemas {
	s, err := NewPayloadSchemas(builtinPayloadSchemas)
	if err != nil {
		panic(err)
	}
	return s
}

// NewPayloadSchemas compiles one JSON schema per action type.
func NewPayloadSchemas(sources map[string]string) (*PayloadSchemas, error) {
	ps := &PayloadSchemas{schemas: make(map[string]*jsonschema.Schema, len(sources))}

	types := make([]string, 0, len(sources))
	for t := range sources {
		types = append(types, t)
	}
	sort.Strings(types)

	for _, actionType := range types {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://approvals.schemas.local/payload/%s.schema.json", actionType)
		if err := c.AddResource(url, strings.NewReader(sources[actionType])); err != nil {
			return nil, fmt.Errorf("payload schema %s: %w", actionType, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("payload schema %s: %w", actionType, err)
		}
		ps.schemas[policy.NormalizeActionType(actionType)] = compiled
	}
	return ps, nil
}

// check returns a violation message, or "" when the payload is acceptable.
func (ps *PayloadSchemas) check(actionType string, payload json.RawMessage) string {
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return "payload must be valid JSON"
	}
	if ps == nil {
		return ""
	}
	schema, ok := ps.schemas[policy.NormalizeActionType(actionType)]
	if !ok {
		return ""
	}
	if err := schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return "payload does not match schema: " + leafMessage(ve)
		}
		return "payload does not match schema"
	}
	return ""
}

// leafMessage returns the most specific cause of a schema violation.
func leafMessage(ve *jsonschema.ValidationError) string {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return loc + ": " + ve.Message
}
