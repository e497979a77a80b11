// Package handlers contains the built-in handler catalogue and its
// registration entry point.
package handlers

import (
	"context"
	"fmt"

	"github.com/ajsinha/dgfacade/pkg/models"
)

// ArithmeticHandler evaluates one arithmetic operation over a list of
// numeric operands.
type ArithmeticHandler struct{}

// NewArithmeticHandler creates an arithmetic handler.
func NewArithmeticHandler() *ArithmeticHandler { return &ArithmeticHandler{} }

// Construct is a no-op; the handler carries no configuration.
func (h *ArithmeticHandler) Construct(_ map[string]any) error { return nil }

// Execute applies the requested operation left to right.
func (h *ArithmeticHandler) Execute(_ context.Context, req *models.Request) (*models.Response, error) {
	operation, _ := req.Payload["operation"].(string)
	operands, err := numericOperands(req.Payload["operands"])
	if err != nil {
		return nil, err
	}
	if len(operands) < 2 {
		return nil, fmt.Errorf("operation %s requires at least two operands", operation)
	}

	result := operands[0]
	for _, operand := range operands[1:] {
		switch operation {
		case "ADD":
			result += operand
		case "SUBTRACT":
			result -= operand
		case "MULTIPLY":
			result *= operand
		case "DIVIDE":
			if operand == 0 {
				return nil, fmt.Errorf("Division by zero")
			}
			result /= operand
		default:
			return nil, fmt.Errorf("unknown operation %q", operation)
		}
	}

	return models.NewSuccessResponse(req.RequestID, map[string]any{
		"operation": operation,
		"operands":  operands,
		"result":    result,
	}), nil
}

// Stop is a no-op; Execute never blocks.
func (h *ArithmeticHandler) Stop() {}

// Cleanup is a no-op.
func (h *ArithmeticHandler) Cleanup() {}

func numericOperands(raw any) ([]float64, error) {
	list, ok := raw.([]any)
	if !ok {
		if floats, ok := raw.([]float64); ok {
			return floats, nil
		}
		return nil, fmt.Errorf("operands must be a list of numbers")
	}
	out := make([]float64, 0, len(list))
	for _, v := range list {
		switch n := v.(type) {
		case float64:
			out = append(out, n)
		case int:
			out = append(out, float64(n))
		default:
			return nil, fmt.Errorf("operand %v is not numeric", v)
		}
	}
	return out, nil
}
