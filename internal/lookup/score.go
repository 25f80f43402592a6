package lookup

import "strings"

const (
	baseScore = 50
	minScore  = 0
	maxScore  = 100
)

var nutriscorePoints = map[string]int{
	"a": 30,
	"b": 20,
	"c": 10,
	"d": -10,
	"e": -20,
}

var novaPoints = map[int]int{
	1: 20,
	2: 10,
	3: -10,
	4: -20,
}

// HealthScore rates a product 0-100 from its nutrition grade (A-E), its
// processing group (NOVA 1-4) and its label tags. Unknown grades add nothing.
func HealthScore(nutriscore string, novaGroup int, labels []string) int {
	score := baseScore
	score += nutriscorePoints[strings.ToLower(strings.TrimSpace(nutriscore))]
	score += novaPoints[novaGroup]

	for _, label := range labels {
		l := strings.ToLower(label)
		if strings.Contains(l, "organic") || strings.Contains(l, "bio") {
			score += 10
			break
		}
	}

	if score < minScore {
		return minScore
	}
	if score > maxScore {
		return maxScore
	}
	return score
}
