package policy

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Knetic/govaluate"

	"github.com/shopsage/sessiond/internal/domain/session"
)

// DefaultRefundExpression refunds the shopper in full for pending
// cancellations, and for active cancellations refunds in full only when the
// expert pulls out; a shopper abandoning a running consultation forfeits half.
const DefaultRefundExpression = `status == 'PENDING' ? 10000 : (actor_role == 'expert' ? 10000 : 5000)`

// RefundPolicy computes the refund fraction, in basis points, owed to the
// shopper when a session is cancelled.
type RefundPolicy struct {
	expr *govaluate.EvaluableExpression
}

// NewRefundPolicy compiles a refund expression. The expression must evaluate
// to a number in [0, 10000] given parameters status, actor_role and
// elapsed_minutes.
func NewRefundPolicy(expression string) (*RefundPolicy, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		expression = DefaultRefundExpression
	}
	expr, err := govaluate.NewEvaluableExpression(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid refund expression: %w", err)
	}
	return &RefundPolicy{expr: expr}, nil
}

// RefundBps evaluates the policy for a cancellation of the given session by
// actorRef at the given time.
func (p *RefundPolicy) RefundBps(s session.Session, actorRef string, at time.Time) (int, error) {
	role := "shopper"
	if actorRef == s.ExpertRef {
		role = "expert"
	}
	elapsed := 0.0
	if s.ActualStartTime != nil && at.After(*s.ActualStartTime) {
		elapsed = at.Sub(*s.ActualStartTime).Minutes()
	}
	params := map[string]interface{}{
		"status":          string(s.Status),
		"actor_role":      role,
		"elapsed_minutes": elapsed,
	}
	result, err := p.expr.Evaluate(params)
	if err != nil {
		return 0, err
	}
	num, ok := result.(float64)
	if !ok {
		return 0, errors.New("refund expression did not evaluate to a number")
	}
	bps := int(math.Round(num))
	if bps < 0 || bps > 10000 {
		return 0, fmt.Errorf("refund expression produced out-of-range value %d", bps)
	}
	return bps, nil
}
