package rule

import (
	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"
)

// DefaultStreakExpr 是平台默认的连续签到奖励表
const DefaultStreakExpr = `streak >= 30 ? 50 : streak >= 7 ? 20 : streak >= 3 ? 10 : 5`

// CELStreakRule 是 port.StreakRewardRule 的 CEL 实现。
// 表达式在启动时编译一次，运营调整奖励表只需改配置。
type CELStreakRule struct {
	expr string
	prg  cel.Program
}

// NewCELStreakRule 编译表达式，变量只有 streak (int)，结果必须是 int
func NewCELStreakRule(expr string) (*CELStreakRule, error) {
	if expr == "" {
		expr = DefaultStreakExpr
	}
	env, err := cel.NewEnv(cel.Variable("streak", cel.IntType))
	if err != nil {
		return nil, errors.Wrap(err, "create cel env")
	}
	ast, iss := env.Compile(expr)
	if iss.Err() != nil {
		return nil, errors.Wrapf(iss.Err(), "compile streak rule %q", expr)
	}
	if !ast.OutputType().IsExactType(cel.IntType) {
		return nil, errors.Errorf("streak rule %q must evaluate to int, got %s", expr, ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, errors.Wrap(err, "build streak rule program")
	}
	return &CELStreakRule{expr: expr, prg: prg}, nil
}

func (r *CELStreakRule) Reward(streak int) (int64, error) {
	out, _, err := r.prg.Eval(map[string]any{"streak": int64(streak)})
	if err != nil {
		return 0, errors.Wrapf(err, "eval streak rule for streak=%d", streak)
	}
	v, ok := out.Value().(int64)
	if !ok {
		return 0, errors.Errorf("streak rule returned %T", out.Value())
	}
	if v < 0 {
		return 0, errors.Errorf("streak rule returned negative reward %d", v)
	}
	return v, nil
}

func (r *CELStreakRule) Expr() string { return r.expr }
