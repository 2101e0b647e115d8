package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// ValidateCron checks a recurring schedule expression. Exactly five fields
// (minute hour day-of-month month day-of-week) are accepted; gronx alone
// would also take a sixth seconds field.
func ValidateCron(expr string) error {
	if len(strings.Fields(expr)) != 5 || !gronx.IsValid(expr) {
		return fmt.Errorf("%w: cron expression %q, expected 5-field format (minute hour day-of-month month day-of-week)",
			ErrInvalidRequest, expr)
	}
	return nil
}

// nextOccurrence returns the first second the expression matches strictly
// after from.
func nextOccurrence(expr string, from time.Time) (int64, error) {
	next, err := gronx.NextTickAfter(expr, from, false)
	if err != nil {
		return 0, fmt.Errorf("no next occurrence for %q: %w", expr, err)
	}
	return next.Unix(), nil
}
