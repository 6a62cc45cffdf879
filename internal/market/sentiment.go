package market

import (
	"math"
	"strings"

	"github.com/seenimoa/autostock/pkg/models"
)

// Keyword weights for the offline headline scorer. Phrases match as
// substrings of the lowercased text.
var (
	bullishTerms = map[string]float64{
		"bullish": 0.7, "rally": 0.6, "surge": 0.7, "soar": 0.7, "jump": 0.5,
		"upgrade": 0.6, "outperform": 0.6, "record high": 0.7, "all-time high": 0.7,
		"beats estimates": 0.6, "beat": 0.5, "tops": 0.4, "raises guidance": 0.6,
		"growth": 0.4, "strong": 0.4, "buyback": 0.5, "dividend": 0.3, "profit": 0.3,
	}
	bearishTerms = map[string]float64{
		"bearish": 0.7, "crash": 0.8, "plunge": 0.7, "tumble": 0.6, "slump": 0.6,
		"downgrade": 0.6, "underperform": 0.6, "misses": 0.5, "cuts guidance": 0.6,
		"lawsuit": 0.5, "probe": 0.5, "investigation": 0.5, "fraud": 0.8, "recall": 0.5,
		"layoffs": 0.4, "decline": 0.5, "loss": 0.4, "weak": 0.4, "selloff": 0.7,
	}
)

// Sentiment labels.
const (
	SentimentPositive = "positive"
	SentimentNegative = "negative"
	SentimentNeutral  = "neutral"
)

// HeadlineScore is the keyword sentiment of one text.
type HeadlineScore struct {
	Score   float64 `json:"score"` // -1 bearish to +1 bullish
	Label   string  `json:"label"`
	Matches int     `json:"matches"`
}

// ScoreHeadline scores text with the keyword lexicon.
func ScoreHeadline(text string) HeadlineScore {
	lower := strings.ToLower(text)
	var bull, bear float64
	matches := 0
	for term, w := range bullishTerms {
		if strings.Contains(lower, term) {
			bull += w
			matches++
		}
	}
	for term, w := range bearishTerms {
		if strings.Contains(lower, term) {
			bear += w
			matches++
		}
	}
	if matches == 0 {
		return HeadlineScore{Label: SentimentNeutral}
	}
	score := (bull - bear) / (bull + bear)
	return HeadlineScore{Score: roundTo(score, 2), Label: labelOf(score), Matches: matches}
}

// ScoreArticles returns each article's score and their mean.
func ScoreArticles(articles []models.NewsArticle) ([]HeadlineScore, HeadlineScore) {
	scores := make([]HeadlineScore, len(articles))
	var sum float64
	var matched, matches int
	for i, a := range articles {
		text := a.Title
		if a.Summary != "" {
			text += " " + a.Summary
		}
		scores[i] = ScoreHeadline(text)
		if scores[i].Matches > 0 {
			sum += scores[i].Score
			matched++
			matches += scores[i].Matches
		}
	}
	overall := HeadlineScore{Label: SentimentNeutral, Matches: matches}
	if matched > 0 {
		mean := sum / float64(matched)
		overall.Score = roundTo(mean, 2)
		overall.Label = labelOf(mean)
	}
	return scores, overall
}

func labelOf(score float64) string {
	switch {
	case score >= 0.2:
		return SentimentPositive
	case score <= -0.2:
		return SentimentNegative
	default:
		return SentimentNeutral
	}
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
