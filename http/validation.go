package http

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const (
	addressPattern = `^0x[0-9a-fA-F]{40}$`
	uintPattern    = `^[0-9]{1,78}$`
	hexPattern     = `^0x([0-9a-fA-F]{2})*$`
	hashPattern    = `^0x[0-9a-fA-F]{64}$`
)

var orderItemSchema = fmt.Sprintf(`{
	"type": "object",
	"required": ["assetLedger", "seller", "isPreMinted", "assetId", "quantity", "itemAmount",
	             "charityRecipient", "charityShareBps", "royaltyFeeBps", "deadline", "salt"],
	"properties": {
		"assetLedger":      {"type": "string", "pattern": %[1]q},
		"seller":           {"type": "string", "pattern": %[1]q},
		"isPreMinted":      {"type": "boolean"},
		"assetId":          {"type": "string", "pattern": %[2]q},
		"assetURI":         {"type": "string"},
		"quantity":         {"type": "string", "pattern": %[2]q},
		"itemAmount":       {"type": "string", "pattern": %[2]q},
		"charityRecipient": {"type": "string", "pattern": %[1]q},
		"charityShareBps":  {"type": "integer", "minimum": 0, "maximum": 10000},
		"royaltyFeeBps":    {"type": "integer", "minimum": 0, "maximum": 10000},
		"deadline":         {"type": "integer", "minimum": 0},
		"salt":             {"type": "string", "pattern": %[2]q}
	}
}`, addressPattern, uintPattern)

// BuyRequestSchema describes the body of a purchase request
var BuyRequestSchema = fmt.Sprintf(`{
	"type": "object",
	"required": ["buyer", "value", "orders"],
	"properties": {
		"buyer": {"type": "string", "pattern": %[1]q},
		"value": {"type": "string", "pattern": %[2]q},
		"deposit": {"type": "string", "pattern": %[5]q},
		"orders": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["orderItem", "signature"],
				"properties": {
					"orderItem":        %[4]s,
					"additionalAmount": {"type": "string", "pattern": %[2]q},
					"signature":        {"type": "string", "pattern": %[3]q}
				}
			}
		}
	}
}`, addressPattern, uintPattern, hexPattern, orderItemSchema, hashPattern)

// CancelRequestSchema describes the body of a cancellation request
var CancelRequestSchema = fmt.Sprintf(`{
	"type": "object",
	"required": ["caller", "items"],
	"properties": {
		"caller": {"type": "string", "pattern": %[1]q},
		"items":  {"type": "array", "minItems": 1, "items": %[2]s}
	}
}`, addressPattern, orderItemSchema)

// OrderItemSchema describes a single order item
var OrderItemSchema = orderItemSchema

var (
	buySchema    = mustSchema(BuyRequestSchema)
	cancelSchema = mustSchema(CancelRequestSchema)
	itemSchema   = mustSchema(OrderItemSchema)
)

func mustSchema(raw string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
	if err != nil {
		panic(err)
	}
	return s
}

// ValidationError lists every schema violation of a request body
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "invalid request body: " + strings.Join(e.Errors, "; ")
}

// ValidateBody checks body against schema
func ValidateBody(schema *gojsonschema.Schema, body []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return &ValidationError{Errors: []string{fmt.Sprintf("not valid JSON: %v", err)}}
	}
	if result.Valid() {
		return nil
	}
	errs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		errs = append(errs, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
	}
	return &ValidationError{Errors: errs}
}

// ValidateOrderItem checks a standalone order item document
func ValidateOrderItem(body []byte) error {
	return ValidateBody(itemSchema, body)
}
