// Package rule 用 CEL 表达式评估库存告警规则，规则可在运行时重新加载。
package rule

import (
	"fmt"
	"sync/atomic"

	"fulfillment/internal/service/inventory/domain"

	"github.com/google/cel-go/cel"
)

// LowStockRule 编译后的告警表达式，可通过 Reload 原子替换。可用变量:
// stock, reserved, available, threshold (int), unlimited (bool)
type LowStockRule struct {
	compiled atomic.Pointer[compiledRule]
}

type compiledRule struct {
	expr string
	prg  cel.Program
}

func NewLowStockRule(expr string) (*LowStockRule, error) {
	c, err := compile(expr)
	if err != nil {
		return nil, err
	}
	r := &LowStockRule{}
	r.compiled.Store(c)
	return r, nil
}

// Reload 编译新表达式并替换当前规则；编译失败时保留原规则
func (r *LowStockRule) Reload(expr string) error {
	c, err := compile(expr)
	if err != nil {
		return err
	}
	r.compiled.Store(c)
	return nil
}

func compile(expr string) (*compiledRule, error) {
	env, err := cel.NewEnv(
		cel.Variable("stock", cel.IntType),
		cel.Variable("reserved", cel.IntType),
		cel.Variable("available", cel.IntType),
		cel.Variable("threshold", cel.IntType),
		cel.Variable("unlimited", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel env: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile low stock rule %q: %w", expr, iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("low stock rule %q must evaluate to bool, got %s", expr, ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build low stock rule program: %w", err)
	}
	return &compiledRule{expr: expr, prg: prg}, nil
}

func (r *LowStockRule) String() string {
	return r.compiled.Load().expr
}

// Evaluate 返回该 variant 是否触发低库存告警
func (r *LowStockRule) Evaluate(v *domain.Variant) (bool, error) {
	out, _, err := r.compiled.Load().prg.Eval(map[string]any{
		"stock":     v.StockQuantity,
		"reserved":  v.ReservedQuantity,
		"available": v.AvailableStock(),
		"threshold": v.LowStockThreshold,
		"unlimited": v.IsUnlimited,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate low stock rule: %w", err)
	}
	triggered, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("low stock rule returned %T", out.Value())
	}
	return triggered, nil
}
