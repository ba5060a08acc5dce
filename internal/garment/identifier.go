package garment

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
)

const (
	idPrefix = "GRM-"

	// suffixSpace is 36^5, the number of distinct five-digit base36 suffixes.
	suffixSpace = 36 * 36 * 36 * 36 * 36

	DefaultIDAttempts = 5
)

// ExistsFunc reports whether a garmentId is already taken.
type ExistsFunc func(ctx context.Context, garmentID string) (bool, error)

// Generator produces GRM-<base36 millis>-<base36 random> identifiers and
// checks them against the catalog.
type Generator struct {
	exists      ExistsFunc
	maxAttempts int
	now         func() time.Time
	suffix      func() string
	collided    func()
}

// NewGenerator returns a Generator that tries at most maxAttempts candidates
// per call. maxAttempts <= 0 means DefaultIDAttempts.
func NewGenerator(exists ExistsFunc, maxAttempts int) *Generator {
	if maxAttempts <= 0 {
		maxAttempts = DefaultIDAttempts
	}
	return &Generator{
		exists:      exists,
		maxAttempts: maxAttempts,
		now:         time.Now,
		suffix:      randomSuffix,
	}
}

// Candidate returns one identifier without consulting the catalog.
func (g *Generator) Candidate() string {
	ts := strconv.FormatInt(g.now().UnixMilli(), 36)
	return strings.ToUpper(idPrefix + ts + "-" + g.suffix())
}

// Next returns an identifier the catalog does not know about. The check is
// advisory; Create still has to handle a unique violation on insert.
func (g *Generator) Next(ctx context.Context) (string, error) {
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		id := g.Candidate()
		if g.exists == nil {
			return id, nil
		}
		taken, err := g.exists(ctx, id)
		if err != nil {
			return "", fmt.Errorf("check garment id: %w", err)
		}
		if !taken {
			return id, nil
		}
		log.WithField("garment_id", id).WithField("attempt", attempt).Debug("garment id collision")
		if g.collided != nil {
			g.collided()
		}
	}
	return "", ErrIdentifierExhausted
}

func randomSuffix() string {
	// Left-pad so every suffix has five digits.
	s := strconv.FormatInt(rand.Int64N(suffixSpace), 36)
	return strings.Repeat("0", 5-len(s)) + s
}
