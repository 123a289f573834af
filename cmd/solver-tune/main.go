package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"grouper/solver"
)

type fixtureStudent struct {
	Uniqname string `json:"uniqname"`
	Email    string `json:"email"`
	Section  int    `json:"section"`
	Name     string `json:"name"`
	Survey   *struct {
		PreferredName string `json:"preferred_name"`
		Background    int    `json:"background"`
		Confidence    int    `json:"confidence"`
		SlowerPace    bool   `json:"slower_pace"`
		FastPace      bool   `json:"fast_pace"`
		Retake        bool   `json:"retake"`
		Plus12        bool   `json:"plus_12"`
	} `json:"survey"`
}

type fixture struct {
	GroupSize int              `json:"group_size"`
	Students  []fixtureStudent `json:"students"`
}

func normalizeKey(sections map[int][]solver.Group) string {
	var gs [][]string
	for _, groups := range sections {
		for _, g := range groups {
			members := make([]string, len(g))
			for i, s := range g {
				members[i] = s.Uniqname
			}
			slices.Sort(members)
			gs = append(gs, members)
		}
	}
	slices.SortFunc(gs, func(a, b []string) int { return strings.Compare(a[0], b[0]) })
	var buf strings.Builder
	for _, g := range gs {
		for i, m := range g {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.WriteString(m)
		}
		buf.WriteByte(';')
	}
	return buf.String()
}

type runResult struct {
	score    int
	grouping string
	elapsed  time.Duration
}

func printStats(label string, results []runResult, runs int) {
	scores := map[int]int{}
	groupings := map[string]int{}
	var totalTime time.Duration

	for _, r := range results {
		totalTime += r.elapsed
		scores[r.score]++
		groupings[r.grouping]++
	}

	fmt.Printf("--- %s ---\n", label)
	fmt.Printf("  avg time: %v\n", totalTime/time.Duration(runs))

	var scoreList []struct {
		score int
		count int
	}
	for s, c := range scores {
		scoreList = append(scoreList, struct {
			score int
			count int
		}{s, c})
	}
	sort.Slice(scoreList, func(i, j int) bool { return scoreList[i].score < scoreList[j].score })

	fmt.Printf("  score distribution:\n")
	for _, sc := range scoreList {
		fmt.Printf("    score %d: %d/%d runs (%.0f%%)\n", sc.score, sc.count, runs, float64(sc.count)/float64(runs)*100)
	}

	fmt.Printf("  unique groupings seen: %d\n", len(groupings))

	var freqs []int
	for _, c := range groupings {
		freqs = append(freqs, c)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(freqs)))
	if len(freqs) > 0 {
		topN := min(5, len(freqs))
		fmt.Printf("  top %d grouping frequencies: ", topN)
		for i := range topN {
			if i > 0 {
				fmt.Print(", ")
			}
			fmt.Printf("%d/%d", freqs[i], runs)
		}
		fmt.Println()
	}
	fmt.Println()
}

func main() {
	fixturePath := flag.String("fixture", "tmp/roster.json", "roster fixture JSON file")
	runs := flag.Int("runs", 20, "number of solver runs per parameter set")
	swapIters := flag.String("swaps", "100,1000,10000", "comma-separated random-swap iteration counts")
	greedyIters := flag.String("greedy", "10,100,1000", "comma-separated greedy pass repeat counts")
	restarts := flag.String("restarts", "100", "comma-separated restart counts")
	flag.Parse()

	fixtureBytes, err := os.ReadFile(*fixturePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading fixture: %v\n", err)
		os.Exit(1)
	}
	var f fixture
	if err := json.Unmarshal(fixtureBytes, &f); err != nil {
		fmt.Fprintf(os.Stderr, "parsing fixture: %v\n", err)
		os.Exit(1)
	}
	if f.GroupSize == 0 {
		f.GroupSize = solver.DefaultParams.GroupSize
	}

	students := make([]solver.Student, len(f.Students))
	surveyed := 0
	for i, fs := range f.Students {
		students[i] = solver.Student{
			Uniqname: fs.Uniqname,
			Email:    fs.Email,
			Section:  fs.Section,
			Name:     fs.Name,
		}
		if fs.Survey != nil {
			surveyed++
			students[i].Survey = &solver.Survey{
				PreferredName: fs.Survey.PreferredName,
				Background:    fs.Survey.Background,
				Confidence:    fs.Survey.Confidence,
				SlowerPace:    fs.Survey.SlowerPace,
				FastPace:      fs.Survey.FastPace,
				Retake:        fs.Survey.Retake,
				Plus12:        fs.Survey.Plus12,
			}
		}
	}
	sections := solver.SplitSections(students)

	fmt.Printf("Students: %d (%d surveyed), Sections: %d, Group size: %d\n", len(students), surveyed, len(sections), f.GroupSize)
	fmt.Printf("Runs per config: %d\n\n", *runs)

	for _, nr := range parseIntList(*restarts) {
		for _, sw := range parseIntList(*swapIters) {
			for _, gr := range parseIntList(*greedyIters) {
				params := solver.Params{
					GroupSize:   f.GroupSize,
					SwapIters:   sw,
					GreedyIters: gr,
					Restarts:    nr,
				}
				var results []runResult
				for run := range *runs {
					rng := rand.New(rand.NewSource(int64(run * 31337)))
					start := time.Now()
					solved := map[int][]solver.Group{}
					total := 0
					for section, sectionStudents := range sections {
						groups := solver.Solve(sectionStudents, params, rng)
						solved[section] = groups
						total += solver.TotalScore(groups, params.GroupSize)
					}
					elapsed := time.Since(start)
					results = append(results, runResult{total, normalizeKey(solved), elapsed})
				}
				label := fmt.Sprintf("swaps=%d greedy=%d restarts=%d", sw, gr, nr)
				printStats(label, results, *runs)
			}
		}
	}
}

func parseIntList(s string) []int {
	parts := strings.Split(s, ",")
	var result []int
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err == nil {
			result = append(result, v)
		}
	}
	return result
}
