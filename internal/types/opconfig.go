package types

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// OperationConfig is the closed set of per-operation-type configuration
// variants. The original console modeled this as an untyped field bag; here
// each operation type gets an explicit struct so that validation and the
// execution snapshot are exhaustive over the union.
type OperationConfig interface {
	// Validate checks the variant's field contract and returns an AppError
	// (validation_missing_field, validation_out_of_range,
	// validation_weight_sum) on the first violation.
	Validate() error
}

// QuickAddsConfig drives the quick_adds operation: send Requests quick-add
// requests per account, split into Batches with BatchDelay seconds between
// batches, starting StartingDelay seconds after dispatch.
type QuickAddsConfig struct {
	Requests           int  `json:"requests"`
	Batches            int  `json:"batches"`
	BatchDelay         int  `json:"batch_delay"`
	StartingDelay      int  `json:"starting_delay"`
	MaxQuickAddPages   int  `json:"max_quick_add_pages"`
	UsersSentInRequest int  `json:"users_sent_in_request"`
	ArgoTokens         bool `json:"argo_tokens"`
}

// Validate implements OperationConfig.
func (c QuickAddsConfig) Validate() error {
	if c.Requests < 1 {
		return OutOfRange("requests", 1, math.MaxInt32)
	}
	if c.Batches < 1 {
		return OutOfRange("batches", 1, math.MaxInt32)
	}
	if c.BatchDelay < 0 {
		return OutOfRange("batch_delay", 0, math.MaxInt32)
	}
	if c.StartingDelay < 0 {
		return OutOfRange("starting_delay", 0, math.MaxInt32)
	}
	if c.MaxQuickAddPages < 1 {
		return OutOfRange("max_quick_add_pages", 1, math.MaxInt32)
	}
	if c.UsersSentInRequest < 1 {
		return OutOfRange("users_sent_in_request", 1, math.MaxInt32)
	}
	return nil
}

// QuickAddsTopAccountsConfig is quick_adds restricted to accounts passing
// the three score thresholds.
type QuickAddsTopAccountsConfig struct {
	QuickAddsConfig
	MaxRejectionRate    float64 `json:"max_rejection_rate"`
	MinConversationRate float64 `json:"min_conversation_rate"`
	MinConversionRate   float64 `json:"min_conversion_rate"`
}

// Validate implements OperationConfig.
func (c QuickAddsTopAccountsConfig) Validate() error {
	if err := c.QuickAddsConfig.Validate(); err != nil {
		return err
	}
	for _, f := range []struct {
		name  string
		value float64
	}{
		{"max_rejection_rate", c.MaxRejectionRate},
		{"min_conversation_rate", c.MinConversationRate},
		{"min_conversion_rate", c.MinConversionRate},
	} {
		if f.value < 0 || f.value > 1 {
			return OutOfRange(f.name, 0, 1)
		}
	}
	return nil
}

// SendToUserConfig makes every selected account send a friend request to one
// target username.
type SendToUserConfig struct {
	StartingDelay int    `json:"starting_delay"`
	Username      string `json:"username"`
}

// Validate implements OperationConfig.
func (c SendToUserConfig) Validate() error {
	if c.StartingDelay < 0 {
		return OutOfRange("starting_delay", 0, math.MaxInt32)
	}
	if c.Username == "" {
		return MissingField("username")
	}
	return nil
}

// DelayOnlyConfig covers the operations whose only tunable is the starting
// delay: check_conversations, status_check, set_bitmoji, change_bitmoji.
type DelayOnlyConfig struct {
	StartingDelay int `json:"starting_delay"`
}

// Validate implements OperationConfig.
func (c DelayOnlyConfig) Validate() error {
	if c.StartingDelay < 0 {
		return OutOfRange("starting_delay", 0, math.MaxInt32)
	}
	return nil
}

// ComputeStatisticsConfig has no per-account tunables; the operation
// recomputes agency-wide aggregates.
type ComputeStatisticsConfig struct{}

// Validate implements OperationConfig.
func (ComputeStatisticsConfig) Validate() error { return nil }

// GenerateLeadsConfig score-selects accounts and emits leads. The three
// weights must each lie in [0,1] and sum to 1 within WeightSumEpsilon.
type GenerateLeadsConfig struct {
	AccountsNumber         int     `json:"accounts_number"`
	TargetLeadNumber       int     `json:"target_lead_number"`
	WeightRejectingRate    float64 `json:"weight_rejecting_rate"`
	WeightConversationRate float64 `json:"weight_conversation_rate"`
	WeightConversionRate   float64 `json:"weight_conversion_rate"`
}

// Validate implements OperationConfig.
func (c GenerateLeadsConfig) Validate() error {
	if c.AccountsNumber < 1 {
		return OutOfRange("accounts_number", 1, math.MaxInt32)
	}
	if c.TargetLeadNumber < 1 {
		return OutOfRange("target_lead_number", 1, math.MaxInt32)
	}
	for _, f := range []struct {
		name  string
		value float64
	}{
		{"weight_rejecting_rate", c.WeightRejectingRate},
		{"weight_conversation_rate", c.WeightConversationRate},
		{"weight_conversion_rate", c.WeightConversionRate},
	} {
		if f.value < 0 || f.value > 1 {
			return OutOfRange(f.name, 0, 1)
		}
	}
	sum := c.WeightRejectingRate + c.WeightConversationRate + c.WeightConversionRate
	if math.Abs(sum-1) > WeightSumEpsilon {
		return NewAppErrorWithDetails(
			ErrCodeValidationWeightSum,
			"weight_rejecting_rate + weight_conversation_rate + weight_conversion_rate must sum to 1",
			nil,
			map[string]any{"sum": sum},
		)
	}
	return nil
}

// ConsumeLeadsConfig drains previously generated leads in batches.
type ConsumeLeadsConfig struct {
	StartingDelay      int  `json:"starting_delay"`
	Requests           int  `json:"requests"`
	Batches            int  `json:"batches"`
	BatchDelay         int  `json:"batch_delay"`
	UsersSentInRequest int  `json:"users_sent_in_request"`
	ArgoTokens         bool `json:"argo_tokens"`
}

// Validate implements OperationConfig.
func (c ConsumeLeadsConfig) Validate() error {
	if c.StartingDelay < 0 {
		return OutOfRange("starting_delay", 0, math.MaxInt32)
	}
	if c.Requests < 1 {
		return OutOfRange("requests", 1, math.MaxInt32)
	}
	if c.Batches < 1 {
		return OutOfRange("batches", 1, math.MaxInt32)
	}
	if c.BatchDelay < 0 {
		return OutOfRange("batch_delay", 0, math.MaxInt32)
	}
	if c.UsersSentInRequest < 1 {
		return OutOfRange("users_sent_in_request", 1, math.MaxInt32)
	}
	return nil
}

// JobConfiguration is the envelope that binds an operation type to its
// configuration variant. It is what jobs persist, what execution snapshots
// freeze, and what the wire format carries. JSON form is the flat field bag
// plus an "operation_type" discriminator so the stored value is
// self-describing.
type JobConfiguration struct {
	Type OperationType
	Op   OperationConfig
}

// Validate checks the envelope: the type must be known, the variant present
// and internally valid.
func (c JobConfiguration) Validate() error {
	if !IsKnownOperationType(c.Type) {
		return NewAppErrorWithDetails(
			ErrCodeValidationInvalidType,
			"unknown operation type: "+string(c.Type),
			nil,
			map[string]any{"operation_type": string(c.Type)},
		)
	}
	if c.Op == nil {
		return MissingField("configuration")
	}
	return c.Op.Validate()
}

// MarshalJSON flattens the variant's fields and injects the discriminator.
func (c JobConfiguration) MarshalJSON() ([]byte, error) {
	if c.Op == nil {
		return json.Marshal(map[string]any{"operation_type": c.Type})
	}
	raw, err := json.Marshal(c.Op)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	fields["operation_type"] = string(c.Type)
	return json.Marshal(fields)
}

// UnmarshalJSON reads the discriminator and dispatches to the matching
// variant decoder.
func (c *JobConfiguration) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type OperationType `json:"operation_type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	decoded, err := DecodeConfiguration(probe.Type, data)
	if err != nil {
		return err
	}
	*c = decoded
	return nil
}

// DecodeConfiguration is the single coercion boundary between raw request
// fields and a typed configuration. The console historically posted numbers
// as strings from form inputs, so numeric fields accept both JSON numbers
// and numeric strings; anything else fails as a missing field. Keys that do
// not belong to the variant are ignored (the manual-trigger endpoint sends
// the superset bag).
//
// Decoding shapes the value and reports required fields the payload omits;
// range rules live in Validate, which the caller must still invoke.
func DecodeConfiguration(t OperationType, raw json.RawMessage) (JobConfiguration, error) {
	var fields map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return JobConfiguration{}, NewAppError(ErrCodeValidationMissingField, "configuration must be a JSON object", err)
		}
	}
	d := fieldDecoder{fields: fields}

	var op OperationConfig
	switch t {
	case OpQuickAdds:
		op = d.quickAdds()
	case OpQuickAddsTopAccounts:
		op = QuickAddsTopAccountsConfig{
			QuickAddsConfig:     d.quickAdds(),
			MaxRejectionRate:    d.requiredFloat("max_rejection_rate"),
			MinConversationRate: d.requiredFloat("min_conversation_rate"),
			MinConversionRate:   d.requiredFloat("min_conversion_rate"),
		}
	case OpSendToUser:
		op = SendToUserConfig{
			StartingDelay: d.int("starting_delay"),
			Username:      d.string("username"),
		}
	case OpCheckConversations, OpStatusCheck, OpSetBitmoji, OpChangeBitmoji:
		op = DelayOnlyConfig{StartingDelay: d.int("starting_delay")}
	case OpComputeStatistics:
		op = ComputeStatisticsConfig{}
	case OpGenerateLeads:
		op = GenerateLeadsConfig{
			AccountsNumber:         d.requiredInt("accounts_number"),
			TargetLeadNumber:       d.requiredInt("target_lead_number"),
			WeightRejectingRate:    d.requiredFloat("weight_rejecting_rate"),
			WeightConversationRate: d.requiredFloat("weight_conversation_rate"),
			WeightConversionRate:   d.requiredFloat("weight_conversion_rate"),
		}
	case OpConsumeLeads:
		op = ConsumeLeadsConfig{
			StartingDelay:      d.int("starting_delay"),
			Requests:           d.requiredInt("requests"),
			Batches:            d.requiredInt("batches"),
			BatchDelay:         d.int("batch_delay"),
			UsersSentInRequest: d.requiredInt("users_sent_in_request"),
			ArgoTokens:         d.bool("argo_tokens"),
		}
	default:
		return JobConfiguration{}, NewAppErrorWithDetails(
			ErrCodeValidationInvalidType,
			"unknown operation type: "+string(t),
			nil,
			map[string]any{"operation_type": string(t)},
		)
	}

	if d.err != nil {
		return JobConfiguration{}, d.err
	}
	return JobConfiguration{Type: t, Op: op}, nil
}

// fieldDecoder extracts and coerces individual fields, remembering the first
// error so variant construction reads linearly.
type fieldDecoder struct {
	fields map[string]any
	err    error
}

func (d *fieldDecoder) quickAdds() QuickAddsConfig {
	return QuickAddsConfig{
		Requests:           d.requiredInt("requests"),
		Batches:            d.requiredInt("batches"),
		BatchDelay:         d.int("batch_delay"),
		StartingDelay:      d.int("starting_delay"),
		MaxQuickAddPages:   d.requiredInt("max_quick_add_pages"),
		UsersSentInRequest: d.requiredInt("users_sent_in_request"),
		ArgoTokens:         d.bool("argo_tokens"),
	}
}

func (d *fieldDecoder) number(name string, required bool) (float64, bool) {
	if d.err != nil {
		return 0, false
	}
	v, ok := d.fields[name]
	if !ok || v == nil {
		if required {
			d.err = MissingField(name)
		}
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			d.err = NewAppErrorWithDetails(
				ErrCodeValidationMissingField,
				fmt.Sprintf("field %s must be numeric", name),
				err,
				map[string]any{"field": name},
			)
			return 0, false
		}
		return parsed, true
	default:
		d.err = NewAppErrorWithDetails(
			ErrCodeValidationMissingField,
			fmt.Sprintf("field %s must be numeric", name),
			nil,
			map[string]any{"field": name},
		)
		return 0, false
	}
}

// int and float read optional numeric fields, defaulting to zero when the
// payload omits them. The required variants record MissingField instead: a
// request lacking a field whose contract has no usable zero must surface the
// absence, not a zero smuggled through as an out-of-range value.
func (d *fieldDecoder) int(name string) int {
	n, ok := d.number(name, false)
	if !ok {
		return 0
	}
	return int(n)
}

func (d *fieldDecoder) requiredInt(name string) int {
	n, ok := d.number(name, true)
	if !ok {
		return 0
	}
	return int(n)
}

func (d *fieldDecoder) float(name string) float64 {
	n, _ := d.number(name, false)
	return n
}

func (d *fieldDecoder) requiredFloat(name string) float64 {
	n, _ := d.number(name, true)
	return n
}

func (d *fieldDecoder) string(name string) string {
	if d.err != nil {
		return ""
	}
	if v, ok := d.fields[name].(string); ok {
		return v
	}
	return ""
}

func (d *fieldDecoder) bool(name string) bool {
	if d.err != nil {
		return false
	}
	switch v := d.fields[name].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	default:
		return false
	}
}
