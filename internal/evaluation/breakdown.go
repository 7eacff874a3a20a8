// internal/evaluation/breakdown.go
package evaluation

import (
	"errors"
	"fmt"
	"math"

	"github.com/lumix-ai/warp/internal/metrics"
	"github.com/lumix-ai/warp/internal/model"
)

// ErrScopeShrunk is returned when a session evaluates fewer classes than the one before it.
var ErrScopeShrunk = errors.New("evaluation scope lost previously seen classes")

// counter - hits over trials for one accuracy column
type counter struct {
	hits, total int
}

func (c *counter) add(ok bool) {
	c.total++
	if ok {
		c.hits++
	}
}

// percent returns NaN when nothing was counted.
func (c counter) percent() float64 {
	if c.total == 0 {
		return math.NaN()
	}
	return 100 * float64(c.hits) / float64(c.total)
}

// Breakdown - splits a session evaluation into overall, base-class and new-class accuracies.
//
// base_acc and new_acc score each sample only against classes of its own group;
// base_acc_given_new and new_acc_given_base score it against every seen class.
// All values are percentages; columns without samples are NaN.
func Breakdown(ev model.Evaluation, session int, baseClasses []int) (metrics.AccuracyRow, error) {
	row := metrics.AccuracyRow{
		Session:         session,
		Acc:             ev.Acc * 100,
		BaseAcc:         math.NaN(),
		NewAcc:          math.NaN(),
		BaseAccGivenNew: math.NaN(),
		NewAccGivenBase: math.NaN(),
	}
	if len(ev.Scores) == 0 {
		return row, nil
	}
	if len(ev.Scores) != len(ev.Targets) {
		return row, fmt.Errorf("%d score rows for %d targets", len(ev.Scores), len(ev.Targets))
	}

	isBase := make(map[int]bool, len(baseClasses))
	for _, c := range baseClasses {
		isBase[c] = true
	}
	var allCols, baseCols, newCols []int
	for j, c := range ev.Classes {
		allCols = append(allCols, j)
		if isBase[c] {
			baseCols = append(baseCols, j)
		} else {
			newCols = append(newCols, j)
		}
	}

	var overall, base, fresh, baseAll, freshAll counter
	for i, scores := range ev.Scores {
		if len(scores) != len(ev.Classes) {
			return row, fmt.Errorf("sample %d has %d scores for %d classes", i, len(scores), len(ev.Classes))
		}
		target := ev.Targets[i]
		predicts := func(cols []int) bool {
			j := argmax(scores, cols)
			return j >= 0 && ev.Classes[j] == target
		}
		hit := predicts(allCols)
		overall.add(hit)
		if isBase[target] {
			base.add(predicts(baseCols))
			baseAll.add(hit)
		} else {
			fresh.add(predicts(newCols))
			freshAll.add(hit)
		}
	}

	row.Acc = overall.percent()
	row.BaseAcc = base.percent()
	row.NewAcc = fresh.percent()
	row.BaseAccGivenNew = baseAll.percent()
	row.NewAccGivenBase = freshAll.percent()
	return row, nil
}

// argmax returns the column with the highest score among cols, or -1 for no columns.
// The first maximum wins.
func argmax(scores []float64, cols []int) int {
	best := -1
	for _, j := range cols {
		if best < 0 || scores[j] > scores[best] {
			best = j
		}
	}
	return best
}

// ScopeTracker checks that each session's evaluated class set contains the previous one.
type ScopeTracker struct {
	session int
	seen    map[int]bool
}

func NewScopeTracker() *ScopeTracker {
	return &ScopeTracker{session: -1}
}

// Observe records the classes evaluated in session.
func (t *ScopeTracker) Observe(session int, classes []int) error {
	if session < t.session {
		return fmt.Errorf("session %d evaluated after session %d", session, t.session)
	}
	current := make(map[int]bool, len(classes))
	for _, c := range classes {
		current[c] = true
	}
	for c := range t.seen {
		if !current[c] {
			return fmt.Errorf("%w: session %d does not evaluate class %d", ErrScopeShrunk, session, c)
		}
	}
	t.session = session
	t.seen = current
	return nil
}
