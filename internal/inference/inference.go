// 包 inference：门牌规律推断
// 背景：数据源只覆盖部分门牌；按已观测门牌的步长（众数）补齐区间内缺口，并向两端外推有限跨度。
// 约束：只返回新合成的建筑；网格锚定在已观测（非合成）最小门牌上，合成输入只算"已存在"，
// 因此对输出再次推断不会产生新记录；合成总数不超过已观测门牌数的 CapFactor 倍。
package inference

import (
	"sort"
	"strconv"
	"strings"

	"territory-api/internal/geo"
	"territory-api/internal/logger"
	"territory-api/internal/model"

	"github.com/google/uuid"
)

type Options struct {
	MinObserved int
	Span        int
	CapFactor   int
	Confidence  float64
}

type Engine struct{ opt Options }

func New(opt Options) *Engine {
	if opt.MinObserved < 2 {
		opt.MinObserved = 3
	}
	if opt.Span <= 0 {
		opt.Span = 50
	}
	if opt.CapFactor <= 0 {
		opt.CapFactor = 3
	}
	if opt.Confidence <= 0 || opt.Confidence > 1 {
		opt.Confidence = 0.3
	}
	return &Engine{opt: opt}
}

type observation struct {
	n  int
	at geo.Point
}

type candidate struct {
	n    int
	dist int
	seq  *sequence
}

type sequence struct {
	obs  []observation // 按门牌升序，去重
	step int
}

// 文档注释：补齐一条街道的门牌缺口
// 背景：两种奇偶门牌都至少出现两次时视为单双号分列，两侧各自按步长 2 推断；否则整体取差值众数为步长。
func (e *Engine) FillGaps(buildings []model.Building, street string) []model.Building {
	present := make(map[int]struct{})
	byNumber := make(map[int]geo.Point)
	synthesized := make(map[int]struct{})
	for _, b := range buildings {
		if b.HouseNumber <= 0 || !b.Valid() || !onStreet(b, street) {
			continue
		}
		present[b.HouseNumber] = struct{}{}
		if b.Synthesized {
			synthesized[b.HouseNumber] = struct{}{}
			continue
		}
		if _, ok := byNumber[b.HouseNumber]; !ok {
			byNumber[b.HouseNumber] = b.Point()
		}
	}
	if len(byNumber) < e.opt.MinObserved {
		return nil
	}
	var odd, even, all []observation
	for n, p := range byNumber {
		o := observation{n: n, at: p}
		all = append(all, o)
		if n%2 == 0 {
			even = append(even, o)
		} else {
			odd = append(odd, o)
		}
	}
	var seqs []*sequence
	if len(odd) >= 2 && len(even) >= 2 {
		seqs = []*sequence{newSequence(odd, 2), newSequence(even, 2)}
	} else {
		s := newSequence(all, 0)
		s.step = modeStep(s.obs)
		seqs = []*sequence{s}
	}

	budget := e.opt.CapFactor*len(byNumber) - len(synthesized)
	if budget <= 0 {
		return nil
	}
	var interior, outer []candidate
	for _, s := range seqs {
		if s.step <= 0 {
			continue
		}
		i, o := e.candidates(s, present)
		interior = append(interior, i...)
		outer = append(outer, o...)
	}
	sort.Slice(interior, func(i, j int) bool { return interior[i].n < interior[j].n })
	sort.Slice(outer, func(i, j int) bool {
		if outer[i].dist != outer[j].dist {
			return outer[i].dist < outer[j].dist
		}
		return outer[i].n < outer[j].n
	})

	var out []model.Building
	for _, c := range append(interior, outer...) {
		if len(out) >= budget {
			break
		}
		b := e.synthesize(c, street)
		if !b.Valid() {
			continue
		}
		out = append(out, b)
	}
	logger.L().Debug("inference_fill", "street", street, "observed", len(byNumber), "sequences", len(seqs), "synthesized", len(out))
	return out
}

func newSequence(obs []observation, step int) *sequence {
	sort.Slice(obs, func(i, j int) bool { return obs[i].n < obs[j].n })
	return &sequence{obs: obs, step: step}
}

// modeStep：相邻门牌差值的众数；并列取较小值
func modeStep(obs []observation) int {
	counts := make(map[int]int)
	for i := 1; i < len(obs); i++ {
		counts[obs[i].n-obs[i-1].n]++
	}
	best, bestCount := 0, 0
	for d, c := range counts {
		if d <= 0 {
			continue
		}
		if c > bestCount || (c == bestCount && d < best) {
			best, bestCount = d, c
		}
	}
	return best
}

// candidates：区间内缺口与两端外推（下界不低于 1）
func (e *Engine) candidates(s *sequence, present map[int]struct{}) (interior, outer []candidate) {
	lo, hi := s.obs[0].n, s.obs[len(s.obs)-1].n
	for v := lo + s.step; v < hi; v += s.step {
		if _, ok := present[v]; !ok {
			interior = append(interior, candidate{n: v, seq: s})
		}
	}
	for v := lo - s.step; v >= 1 && v >= lo-e.opt.Span; v -= s.step {
		if _, ok := present[v]; !ok {
			outer = append(outer, candidate{n: v, dist: lo - v, seq: s})
		}
	}
	for v := hi + s.step; v <= hi+e.opt.Span; v += s.step {
		if _, ok := present[v]; !ok {
			outer = append(outer, candidate{n: v, dist: v - hi, seq: s})
		}
	}
	return interior, outer
}

// synthesize：自最近的已观测门牌按每号位移线性偏移；每号位移由序列两端观测估计
func (e *Engine) synthesize(c candidate, street string) model.Building {
	obs := c.seq.obs
	first, last := obs[0], obs[len(obs)-1]
	var dLat, dLng float64
	if span := float64(last.n - first.n); span > 0 {
		dLat = (last.at.Lat - first.at.Lat) / span
		dLng = (last.at.Lng - first.at.Lng) / span
	}
	near := obs[0]
	for _, o := range obs[1:] {
		if abs(o.n-c.n) < abs(near.n-c.n) {
			near = o
		}
	}
	k := float64(c.n - near.n)
	num := strconv.Itoa(c.n)
	return model.Building{
		ID:          uuid.NewSHA1(uuid.NameSpaceURL, []byte("territory:pattern:"+normStreet(street)+":"+num)).String(),
		Address:     num + " " + street,
		Street:      street,
		HouseNumber: c.n,
		Lat:         near.at.Lat + k*dLat,
		Lng:         near.at.Lng + k*dLng,
		Source:      model.SourceSynthesized,
		Confidence:  e.opt.Confidence,
		Synthesized: true,
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func normStreet(s string) string { return strings.Join(strings.Fields(strings.ToLower(s)), " ") }

// onStreet：未标注街道的记录归属当前街道
func onStreet(b model.Building, street string) bool {
	return b.Street == "" || street == "" || normStreet(b.Street) == normStreet(street)
}
