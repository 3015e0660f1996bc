// Package keygen produces the pseudo-random keys the workload controller
// uses to pick device counts, devices, tables and read kinds.
//
// Generators are not safe for concurrent use; the controller owns them.
package keygen

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/basekick-labs/arc-bench/pkg/models"
	"gonum.org/v1/gonum/stat/distuv"
)

// Generator returns the next key in [0, bound). bias shapes the
// distribution; its meaning depends on the generator. A zero bound always
// yields zero.
type Generator interface {
	Next(bound uint64, bias float64) uint64
}

// Generator names
const (
	Uniform = "uniform"
	Zipf    = "zipf"
	Normal  = "normal"
)

// Names lists the available generators
func Names() []string {
	names := []string{Uniform, Zipf, Normal}
	sort.Strings(names)
	return names
}

// New creates the named generator. A zero seed seeds from the clock.
func New(name string, seed int64) (Generator, error) {
	r := newRand(seed)
	switch strings.ToLower(name) {
	case "", Uniform:
		return &uniformGen{r: r}, nil
	case Zipf:
		return &zipfGen{r: r}, nil
	case Normal, "gaussian":
		return &normalGen{r: r}, nil
	default:
		return nil, fmt.Errorf("unknown key generator %q (available: %v)", name, Names())
	}
}

func newRand(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

// uniformGen ignores bias
type uniformGen struct {
	r *rand.Rand
}

func (g *uniformGen) Next(bound uint64, _ float64) uint64 {
	if bound == 0 {
		return 0
	}
	return uint64(g.r.Int63n(int64(bound)))
}

// zipfGen favours low keys. The exponent is 1+bias; a non-positive bias
// falls back to uniform.
type zipfGen struct {
	r *rand.Rand

	bound uint64
	s     float64
	z     *rand.Zipf
}

func (g *zipfGen) Next(bound uint64, bias float64) uint64 {
	if bound == 0 {
		return 0
	}
	if bias <= 0 || bound == 1 {
		return uint64(g.r.Int63n(int64(bound)))
	}
	s := 1 + bias
	if g.z == nil || g.bound != bound || g.s != s {
		g.z = rand.NewZipf(g.r, s, 1, bound-1)
		g.bound, g.s = bound, s
	}
	return g.z.Uint64()
}

// normalGen clusters keys around bound/2. Sigma is bound*bias, or bound/6
// when bias is not positive.
type normalGen struct {
	r *rand.Rand
}

func (g *normalGen) Next(bound uint64, bias float64) uint64 {
	if bound == 0 {
		return 0
	}
	sigma := float64(bound) / 6
	if bias > 0 {
		sigma = float64(bound) * bias
	}
	dist := distuv.Normal{Mu: float64(bound) / 2, Sigma: sigma}

	u := g.r.Float64()
	if u <= 0 {
		u = math.SmallestNonzeroFloat64
	}
	x := math.Floor(dist.Quantile(u))
	switch {
	case x < 0 || math.IsNaN(x):
		return 0
	case x >= float64(bound):
		return bound - 1
	default:
		return uint64(x)
	}
}

// OpChooser picks a read kind uniformly from an inclusive range
type OpChooser struct {
	r           *rand.Rand
	first, last models.MessageType
}

// NewOpChooser validates the range [first, last]
func NewOpChooser(first, last models.MessageType, seed int64) (*OpChooser, error) {
	if !first.IsRead() || !last.IsRead() {
		return nil, fmt.Errorf("read kind range must contain select kinds only, got [%s, %s]", first, last)
	}
	if first > last {
		return nil, fmt.Errorf("read kind range is inverted: [%s, %s]", first, last)
	}
	return &OpChooser{r: newRand(seed), first: first, last: last}, nil
}

// Next returns a kind in [first, last]
func (c *OpChooser) Next() models.MessageType {
	span := int(c.last-c.first) + 1
	return c.first + models.MessageType(c.r.Intn(span))
}

// Range returns the configured bounds
func (c *OpChooser) Range() (first, last models.MessageType) {
	return c.first, c.last
}
