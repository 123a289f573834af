package solver

import (
	"math/rand"
	"slices"
)

type Survey struct {
	PreferredName string
	Background    int
	Confidence    int
	SlowerPace    bool
	FastPace      bool
	Retake        bool
	Plus12        bool
}

type Student struct {
	Uniqname string
	Email    string
	Section  int
	Name     string
	Survey   *Survey
}

type Group []Student

type Params struct {
	GroupSize   int
	SwapIters   int
	GreedyIters int
	Restarts    int
}

var DefaultParams = Params{
	GroupSize:   4,
	SwapIters:   100,
	GreedyIters: 10,
	Restarts:    100,
}

var ProductionParams = Params{
	GroupSize:   4,
	SwapIters:   10000,
	GreedyIters: 1000,
	Restarts:    100,
}

const (
	retakeMixPenalty = 1000000
	surveyMixPenalty = 100000
	balancePenalty   = 10000
	pacePenalty      = 1000
)

func SplitSections(roster []Student) map[int][]Student {
	sections := map[int][]Student{}
	for _, s := range roster {
		sections[s.Section] = append(sections[s.Section], s)
	}
	return sections
}

// surveyResponses requires every member to have completed the survey; a nil
// survey here means the surveyed/non-surveyed split is broken upstream.
func surveyResponses(members []Student) []Survey {
	out := make([]Survey, len(members))
	for i, m := range members {
		if m.Survey == nil {
			panic("solver: non-surveyed student " + m.Uniqname + " in surveyed-only scoring path")
		}
		out[i] = *m.Survey
	}
	return out
}

func Score(g Group, groupSize int) int {
	var surveyed []Student
	for _, s := range g {
		if s.Survey != nil {
			surveyed = append(surveyed, s)
		}
	}
	if len(surveyed) == 0 {
		return 0
	}

	score := 0
	if len(surveyed) < len(g) {
		score += surveyMixPenalty
	}
	sv := surveyResponses(surveyed)

	retakes := 0
	for _, s := range sv {
		if s.Retake {
			retakes++
		}
	}
	if retakes > 0 && retakes < len(sv) {
		score += retakeMixPenalty
	}

	hasHighBG := false
	hasNoviceBG := false
	allLowBG := true
	for _, s := range sv {
		if s.Background >= 4 {
			hasHighBG = true
		}
		if s.Background == 1 {
			hasNoviceBG = true
		}
		if s.Background > 2 {
			allLowBG = false
		}
	}
	switch {
	case hasHighBG && hasNoviceBG:
		score += balancePenalty
	case allLowBG:
		score += balancePenalty
	default:
		for i := range sv {
			isolated := true
			for j := range sv {
				if j != i && sv[j].Background <= sv[i].Background+1 {
					isolated = false
					break
				}
			}
			if isolated {
				score += balancePenalty
				break
			}
		}
	}

	lowConf := 0
	hasMidConf := false
	highConf := 0
	for _, s := range sv {
		if s.Confidence <= 2 {
			lowConf++
		}
		if s.Confidence == 3 {
			hasMidConf = true
		}
		if s.Confidence == 5 {
			highConf++
		}
	}
	if lowConf == 1 {
		score += balancePenalty
	}
	if lowConf > 0 {
		if !hasMidConf {
			score += balancePenalty
		}
		if highConf >= 2 {
			score += balancePenalty
		}
		for _, s := range sv {
			if s.FastPace && s.Confidence > 3 {
				score += balancePenalty
				break
			}
		}
	}

	if len(g) < groupSize {
		score += balancePenalty
	}

	fastPace := 0
	slowerPace := 0
	hasSlowerOnly := false
	for _, s := range sv {
		if s.FastPace {
			fastPace++
		}
		if s.SlowerPace {
			slowerPace++
			if !s.FastPace {
				hasSlowerOnly = true
			}
		}
	}
	if hasSlowerOnly && fastPace > 2 {
		score += pacePenalty
	}
	if fastPace == 1 {
		score += pacePenalty
	}
	if slowerPace == 1 {
		score += pacePenalty
	}

outer:
	for i := range sv {
		if sv[i].Confidence != 5 {
			continue
		}
		for j := range sv {
			if j != i && sv[j].SlowerPace {
				score += pacePenalty
				break outer
			}
		}
	}

	return score
}

func TotalScore(groups []Group, groupSize int) int {
	total := 0
	for _, g := range groups {
		total += Score(g, groupSize)
	}
	return total
}

// Partition shuffles students and slices them into groups of groupSize or
// groupSize-1, using the minimum number of undersized groups. When the
// roster divides evenly, half the time it instead breaks one full group's
// worth of members into groupSize undersized groups, so repeated restarts
// explore both size topologies.
func Partition(students []Student, groupSize int, rng *rand.Rand) []Group {
	shuffled := slices.Clone(students)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	n := len(shuffled)
	small := (groupSize - n%groupSize) % groupSize
	if small == 0 && n >= groupSize*(groupSize-1) && rng.Intn(2) == 0 {
		small = groupSize
	}
	if (groupSize-1)*small > n {
		return []Group{shuffled}
	}

	full := (n - (groupSize-1)*small) / groupSize
	groups := make([]Group, 0, full+small)
	idx := 0
	for range full {
		groups = append(groups, Group(shuffled[idx:idx+groupSize:idx+groupSize]))
		idx += groupSize
	}
	for range small {
		groups = append(groups, Group(shuffled[idx:idx+groupSize-1:idx+groupSize-1]))
		idx += groupSize - 1
	}
	return groups
}

// trySwap exchanges one random member between groups[i] and groups[k] and
// keeps the result when the combined score does not get worse. Rejected
// candidates are discarded without touching the originals.
func trySwap(groups []Group, i, k, groupSize int, rng *rand.Rand) bool {
	gi, gk := groups[i], groups[k]
	mi := rng.Intn(len(gi))
	mk := rng.Intn(len(gk))

	ci := slices.Clone(gi)
	ck := slices.Clone(gk)
	ci[mi], ck[mk] = gk[mk], gi[mi]

	if Score(ci, groupSize)+Score(ck, groupSize) <= Score(gi, groupSize)+Score(gk, groupSize) {
		groups[i], groups[k] = ci, ck
		return true
	}
	return false
}

func optimize(groups []Group, groupSize, iters int, rng *rand.Rand) {
	if len(groups) < 2 {
		return
	}
	for done := 0; done < iters; {
		i := rng.Intn(len(groups))
		k := rng.Intn(len(groups))
		if i == k {
			continue
		}
		done++
		trySwap(groups, i, k, groupSize, rng)
	}
}

func optimizeSorted(groups []Group, groupSize int, rng *rand.Rand) {
	if len(groups) < 2 {
		return
	}
	slices.SortFunc(groups, func(a, b Group) int {
		return Score(b, groupSize) - Score(a, groupSize)
	})
	for i := range groups {
		if Score(groups[i], groupSize) == 0 {
			continue
		}
		for k := range groups {
			if k == i {
				continue
			}
			if trySwap(groups, i, k, groupSize, rng) {
				break
			}
		}
	}
}

// Solve runs Restarts independent partition+search runs over one section's
// students and keeps the run with the strictly lowest total score (the
// first such run on ties).
func Solve(students []Student, p Params, rng *rand.Rand) []Group {
	if len(students) == 0 {
		return nil
	}

	var best []Group
	bestTotal := 0
	for range p.Restarts {
		groups := Partition(students, p.GroupSize, rng)
		optimize(groups, p.GroupSize, p.SwapIters, rng)
		for range p.GreedyIters {
			optimizeSorted(groups, p.GroupSize, rng)
		}
		total := TotalScore(groups, p.GroupSize)
		if best == nil || total < bestTotal {
			best = groups
			bestTotal = total
		}
	}
	return best
}
