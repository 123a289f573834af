package solver

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func student(uniq string, sv *Survey) Student {
	return Student{
		Uniqname: uniq,
		Email:    uniq + "@umich.edu",
		Section:  101,
		Name:     uniq,
		Survey:   sv,
	}
}

func neutral() *Survey {
	return &Survey{Background: 3, Confidence: 3}
}

func neutralGroup(n int) Group {
	g := make(Group, n)
	for i := range g {
		g[i] = student(fmt.Sprintf("s%d", i), neutral())
	}
	return g
}

func roster(n int, rng *rand.Rand) []Student {
	students := make([]Student, n)
	for i := range students {
		var sv *Survey
		if rng.Intn(5) > 0 {
			sv = &Survey{
				Background: 1 + rng.Intn(5),
				Confidence: 1 + rng.Intn(5),
				SlowerPace: rng.Intn(4) == 0,
				FastPace:   rng.Intn(4) == 0,
				Retake:     rng.Intn(6) == 0,
				Plus12:     rng.Intn(3) == 0,
			}
		}
		students[i] = student(fmt.Sprintf("s%d", i), sv)
	}
	return students
}

func TestScoreNoSurveys(t *testing.T) {
	g := Group{student("a", nil), student("b", nil), student("c", nil), student("d", nil)}
	require.Equal(t, 0, Score(g, 4))
}

func TestScoreNeutralGroup(t *testing.T) {
	require.Equal(t, 0, Score(neutralGroup(4), 4))
}

func TestScoreUndersizedGroup(t *testing.T) {
	require.Equal(t, 10000, Score(neutralGroup(3), 4))
}

func TestScoreSurveyMix(t *testing.T) {
	g := neutralGroup(4)
	g[3] = student("x", nil)
	require.GreaterOrEqual(t, Score(g, 4), 100000)
}

func TestScoreRetakeMix(t *testing.T) {
	g := neutralGroup(4)
	g[0].Survey = &Survey{Background: 3, Confidence: 3, Retake: true}
	require.GreaterOrEqual(t, Score(g, 4), 1000000)

	for i := range g {
		g[i].Survey = &Survey{Background: 3, Confidence: 3, Retake: true}
	}
	require.Equal(t, 0, Score(g, 4))
}

func TestScoreBackground(t *testing.T) {
	tests := []struct {
		name        string
		backgrounds []int
		want        int
	}{
		{"wide gap with novice", []int{4, 1, 3, 3}, 10000},
		{"uniformly low", []int{1, 2, 2, 1}, 10000},
		{"isolated weakest", []int{1, 3, 3, 3}, 10000},
		{"balanced", []int{2, 3, 3, 3}, 0},
		{"uniformly high", []int{4, 5, 4, 5}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := make(Group, len(tt.backgrounds))
			for i, bg := range tt.backgrounds {
				g[i] = student(fmt.Sprintf("s%d", i), &Survey{Background: bg, Confidence: 3})
			}
			require.Equal(t, tt.want, Score(g, 4))
		})
	}
}

func TestScoreConfidence(t *testing.T) {
	tests := []struct {
		name        string
		confidences []int
		want        int
	}{
		// lone low-confidence member, but a buffer at 3 and no
		// overpowering pair of 5s
		{"isolated low", []int{2, 3, 3, 4}, 10000},
		{"isolated low no buffer", []int{2, 4, 4, 4}, 20000},
		{"isolated low two highs", []int{2, 3, 5, 5}, 20000},
		{"two lows with buffer", []int{1, 2, 3, 4}, 0},
		{"two lows no buffer", []int{1, 2, 4, 4}, 10000},
		{"all mid", []int{3, 3, 3, 3}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := make(Group, len(tt.confidences))
			for i, c := range tt.confidences {
				g[i] = student(fmt.Sprintf("s%d", i), &Survey{Background: 3, Confidence: c})
			}
			require.Equal(t, tt.want, Score(g, 4))
		})
	}
}

func TestScoreFastConfidentWithStruggler(t *testing.T) {
	g := Group{
		student("a", &Survey{Background: 3, Confidence: 2}),
		student("b", &Survey{Background: 3, Confidence: 2}),
		student("c", &Survey{Background: 3, Confidence: 3}),
		student("d", &Survey{Background: 3, Confidence: 4, FastPace: true}),
	}
	// fast-paced confident member alongside low-confidence members, plus
	// the lone-fast-pace penalty
	require.Equal(t, 11000, Score(g, 4))
}

func TestScorePace(t *testing.T) {
	tests := []struct {
		name    string
		surveys []Survey
		want    int
	}{
		{
			"lone fast pace",
			[]Survey{
				{Background: 3, Confidence: 3, FastPace: true},
				{Background: 3, Confidence: 3},
				{Background: 3, Confidence: 3},
				{Background: 3, Confidence: 3},
			},
			1000,
		},
		{
			"lone slower pace",
			[]Survey{
				{Background: 3, Confidence: 3, SlowerPace: true},
				{Background: 3, Confidence: 3},
				{Background: 3, Confidence: 3},
				{Background: 3, Confidence: 3},
			},
			1000,
		},
		{
			"slower-only member against fast majority",
			[]Survey{
				{Background: 3, Confidence: 3, SlowerPace: true},
				{Background: 3, Confidence: 3, FastPace: true},
				{Background: 3, Confidence: 3, FastPace: true},
				{Background: 3, Confidence: 3, FastPace: true},
			},
			2000, // conflict plus lone-slower-pace
		},
		{
			"confident member with slower-paced partner",
			[]Survey{
				{Background: 3, Confidence: 5},
				{Background: 3, Confidence: 3, SlowerPace: true},
				{Background: 3, Confidence: 3, SlowerPace: true},
				{Background: 3, Confidence: 3},
			},
			1000,
		},
		{
			"confidence five alone with own slower pace",
			[]Survey{
				{Background: 3, Confidence: 5, SlowerPace: true},
				{Background: 4, Confidence: 4},
				{Background: 4, Confidence: 4},
				{Background: 4, Confidence: 4},
			},
			1000, // lone-slower-pace only; rule needs a distinct partner
		},
		{
			"two fast two slower",
			[]Survey{
				{Background: 3, Confidence: 3, FastPace: true},
				{Background: 3, Confidence: 3, FastPace: true},
				{Background: 3, Confidence: 3, SlowerPace: true},
				{Background: 3, Confidence: 3, SlowerPace: true},
			},
			0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := make(Group, len(tt.surveys))
			for i := range tt.surveys {
				g[i] = student(fmt.Sprintf("s%d", i), &tt.surveys[i])
			}
			require.Equal(t, tt.want, Score(g, 4))
		})
	}
}

func TestScorePlus12Ignored(t *testing.T) {
	g := neutralGroup(4)
	base := Score(g, 4)
	for i := range g {
		g[i].Survey.Plus12 = true
	}
	require.Equal(t, base, Score(g, 4))
}

func TestSurveyResponsesPanics(t *testing.T) {
	require.Panics(t, func() {
		surveyResponses([]Student{student("x", nil)})
	})
}

func TestPartitionIsExact(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, n := range []int{1, 2, 3, 4, 5, 7, 8, 13, 32, 33, 50} {
		students := roster(n, rng)
		groups := Partition(students, 4, rng)

		seen := map[string]int{}
		for _, g := range groups {
			for _, s := range g {
				seen[s.Uniqname]++
			}
		}
		require.Len(t, seen, n, "n=%d", n)
		for uniq, count := range seen {
			require.Equal(t, 1, count, "n=%d student %s", n, uniq)
		}
	}
}

func TestPartitionSizes(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	students := roster(33, rng)

	for range 50 {
		groups := Partition(students, 4, rng)
		require.Len(t, groups, 9)
		undersized := 0
		total := 0
		for _, g := range groups {
			require.Contains(t, []int{3, 4}, len(g))
			if len(g) == 3 {
				undersized++
			}
			total += len(g)
		}
		require.Equal(t, 3, undersized)
		require.Equal(t, 33, total)
	}
}

func TestPartitionEvenSplitBothBranches(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	students := roster(32, rng)

	branches := map[int]int{}
	for range 200 {
		groups := Partition(students, 4, rng)
		undersized := 0
		total := 0
		for _, g := range groups {
			require.Contains(t, []int{3, 4}, len(g))
			if len(g) == 3 {
				undersized++
			}
			total += len(g)
		}
		require.Equal(t, 32, total)
		branches[undersized]++
	}
	require.Len(t, branches, 2)
	require.Greater(t, branches[0], 0)
	require.Greater(t, branches[4], 0)
}

func TestTrySwapNeverWorsens(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	for range 100 {
		groups := Partition(roster(23, rng), 4, rng)
		i := rng.Intn(len(groups))
		k := rng.Intn(len(groups))
		if i == k {
			continue
		}
		before := Score(groups[i], 4) + Score(groups[k], 4)
		trySwap(groups, i, k, 4, rng)
		after := Score(groups[i], 4) + Score(groups[k], 4)
		require.LessOrEqual(t, after, before)
	}
}

func TestOptimizeNeverWorsens(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	for range 20 {
		groups := Partition(roster(30, rng), 4, rng)
		before := TotalScore(groups, 4)
		optimize(groups, 4, 200, rng)
		require.LessOrEqual(t, TotalScore(groups, 4), before)

		before = TotalScore(groups, 4)
		optimizeSorted(groups, 4, rng)
		require.LessOrEqual(t, TotalScore(groups, 4), before)
	}
}

func TestOptimizePreservesMembership(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	students := roster(27, rng)
	groups := Partition(students, 4, rng)
	optimize(groups, 4, 500, rng)
	for range 5 {
		optimizeSorted(groups, 4, rng)
	}

	seen := map[string]int{}
	for _, g := range groups {
		for _, s := range g {
			seen[s.Uniqname]++
		}
	}
	require.Len(t, seen, 27)
	for _, count := range seen {
		require.Equal(t, 1, count)
	}
}

func TestSolvePicksMinimumRestart(t *testing.T) {
	seed := int64(7)
	p := Params{GroupSize: 4, SwapIters: 50, GreedyIters: 3, Restarts: 20}
	students := roster(21, rand.New(rand.NewSource(99)))

	got := Solve(students, p, rand.New(rand.NewSource(seed)))

	// replay the identical rng stream restart by restart
	rng := rand.New(rand.NewSource(seed))
	bestTotal := -1
	for range p.Restarts {
		groups := Partition(students, p.GroupSize, rng)
		optimize(groups, p.GroupSize, p.SwapIters, rng)
		for range p.GreedyIters {
			optimizeSorted(groups, p.GroupSize, rng)
		}
		total := TotalScore(groups, p.GroupSize)
		if bestTotal < 0 || total < bestTotal {
			bestTotal = total
		}
	}
	require.Equal(t, bestTotal, TotalScore(got, p.GroupSize))
}

func TestSolveEmpty(t *testing.T) {
	require.Nil(t, Solve(nil, DefaultParams, rand.New(rand.NewSource(0))))
}

func TestSplitSections(t *testing.T) {
	rosterIn := []Student{
		{Uniqname: "a", Section: 101},
		{Uniqname: "b", Section: 102},
		{Uniqname: "c", Section: 101},
	}
	sections := SplitSections(rosterIn)
	require.Len(t, sections, 2)
	require.Len(t, sections[101], 2)
	require.Len(t, sections[102], 1)
}
