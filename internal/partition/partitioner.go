package partition

import (
	"math/bits"

	"airbnb/scraper/internal/domain"
)

// DefaultCap is the largest result count the search endpoint ever reports for one query.
const DefaultCap = 1000

type Action int

const (
	ActionEmpty Action = iota
	ActionEnumerate
	ActionSplit
)

func (a Action) String() string {
	switch a {
	case ActionEmpty:
		return "empty"
	case ActionEnumerate:
		return "enumerate"
	case ActionSplit:
		return "split"
	default:
		return "unknown"
	}
}

// Decision is the outcome of classifying one price range.
type Decision struct {
	Action Action
	Range  domain.PriceRange
	Left   domain.PriceRange // Set for ActionSplit
	Right  domain.PriceRange // Set for ActionSplit

	// Lossy marks an enumerated range that is still over the cap because it
	// cannot be narrowed further. Only the first Cap results are reachable.
	Lossy bool
}

type Partitioner struct {
	Cap int
}

func New(limit int) *Partitioner {
	if limit <= 0 {
		limit = DefaultCap
	}
	return &Partitioner{Cap: limit}
}

// Classify decides what to do with a range given the total count upstream
// reported for it.
func (p *Partitioner) Classify(r domain.PriceRange, total int) Decision {
	if total <= 0 {
		return Decision{Action: ActionEmpty, Range: r}
	}

	if total > p.Cap && r.Width() > 1 {
		left, right := Bisect(r)
		return Decision{Action: ActionSplit, Range: r, Left: left, Right: right}
	}

	return Decision{Action: ActionEnumerate, Range: r, Lossy: total > p.Cap}
}

// Bisect splits r at ceil((low+high)/2). The halves share the midpoint as
// boundary. r must be at least two units wide.
func Bisect(r domain.PriceRange) (domain.PriceRange, domain.PriceRange) {
	mid := r.Low + (r.Width()+1)/2
	return domain.PriceRange{Low: r.Low, High: mid}, domain.PriceRange{Low: mid, High: r.High}
}

// Seed cuts the full price domain into at most slices equal-width ranges
// that tile it exactly. The last slice absorbs the remainder.
func Seed(full domain.PriceRange, slices int) []domain.PriceRange {
	width := full.Width()
	if width <= 0 {
		return nil
	}
	if slices <= 0 {
		slices = 1
	}
	if slices > width {
		slices = width
	}

	step := (width + slices - 1) / slices
	ranges := make([]domain.PriceRange, 0, slices)
	for low := full.Low; low < full.High; low += step {
		high := min(low+step, full.High)
		ranges = append(ranges, domain.PriceRange{Low: low, High: high})
	}

	return ranges
}

// MaxDepth is the deepest a chain of splits can go before a range of the
// given width collapses to a single unit: ceil(log2(width)).
func MaxDepth(width int) int {
	if width <= 1 {
		return 0
	}
	return bits.Len(uint(width - 1))
}
