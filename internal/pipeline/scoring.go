package pipeline

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/clipforge/clipforge/internal/media"
)

// Component caps. The six components sum to at most 100:
// hook 25, payoff 20, humour 15, tension 15, clarity 15, rhythm 10.
const (
	maxHookScore    = 25
	maxPayoffScore  = 20
	maxHumourScore  = 15
	maxTensionScore = 15
	maxClarityScore = 15
	maxRhythmScore  = 10
)

// Clip duration window. Candidates shorter than the minimum are dropped;
// the sliding windows top out at 3min30.
const (
	minClipDuration = 30
	maxClipDuration = 210
)

// candidateWindows are the sliding window sizes in seconds. Each window
// advances by a third of its size.
var candidateWindows = []int{30, 45, 60, 75, 90, 120, 150, 180, 210}

const (
	dedupeIoUThreshold = 0.5
	maxKeptSegments    = 20
)

// hookAnnotationPatterns mark phrases likely to grab a viewer. Each match
// adds one point.
var hookAnnotationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\?`),
	regexp.MustCompile(`!`),
	regexp.MustCompile(`(?i)\b(non mais|attends?|regarde[zs]?|wesh|j'?te jure|putain|bordel|incroyable|dingue|ouf)\b`),
	regexp.MustCompile(`(?i)\b(wait|look|holy|insane|crazy|unbelievable|no way|what the)\b`),
	regexp.MustCompile(`(?i)\b(alors|donc|en fait|tu sais|vous savez|basically|so basically|let me tell you)\b`),
}

// hookPatterns score the opening strength of a whole candidate.
var hookPatterns = []struct {
	re     *regexp.Regexp
	points int
	reason string
}{
	{regexp.MustCompile(`\?$`), 3, "ends_with_question"},
	{regexp.MustCompile(`(?i)\b(non mais|attends?|regarde|wesh|putain|bordel|oh mon dieu|c'est pas possible)\b`), 2, "french_exclamation"},
	{regexp.MustCompile(`(?i)\b(wait|oh my god|holy|no way|what the|insane|crazy)\b`), 2, "english_exclamation"},
	{regexp.MustCompile(`(?i)\b(tu sais|vous savez|écoute|listen|check this|watch this)\b`), 2, "direct_address"},
	{regexp.MustCompile(`(?i)\b(alors|donc|en fait|basically|so basically)\b`), 1, "setup_phrase"},
}

// contentPatterns tag the kind of moment a candidate contains.
var contentPatterns = []struct {
	re  *regexp.Regexp
	tag string
}{
	{regexp.MustCompile(`(?i)\b(mdr|lol|ptdr|haha|😂|🤣)\b`), "humour"},
	{regexp.MustCompile(`(?i)\b(incroyable|dingue|ouf|insane|crazy|unbelievable)\b`), "surprise"},
	{regexp.MustCompile(`(?i)\b(rage|énervé|angry|pissed|furieux)\b`), "rage"},
	{regexp.MustCompile(`(?i)\b(clutch|win|gg|let's go|victory)\b`), "clutch"},
	{regexp.MustCompile(`(?i)\b(débat|argument|versus|vs|contre)\b`), "debate"},
	{regexp.MustCompile(`(?i)\b(fail|rip|mort|dead|f in chat)\b`), "fail"},
}

var conclusionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(voilà|done|that's it|boom|let's go|gg)\b`),
	regexp.MustCompile(`!{2,}`),
}

var tensionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(suspense|tension|stress|anxieux|nervous)\b`),
	regexp.MustCompile(`(?i)\b(mais|but|however|pourtant)\b`),
}

var contextPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(donc|alors|et|and|so)\b`),
	regexp.MustCompile(`(?i)\b(comme je disais|as I said|earlier)\b`),
}

var sentenceSplitRe = regexp.MustCompile(`[.!?]`)

// hookedSegment is a transcript phrase with its hook annotation.
type hookedSegment struct {
	media.TranscriptSegment
	HookScore       int
	IsPotentialHook bool
}

// annotateHooks scores each transcript phrase for hook potential. A phrase
// scoring 2 or more counts as a potential hook.
func annotateHooks(segments []media.TranscriptSegment) []hookedSegment {
	out := make([]hookedSegment, 0, len(segments))
	for _, seg := range segments {
		text := strings.ToLower(seg.Text)

		score := 0
		for _, re := range hookAnnotationPatterns {
			if re.MatchString(text) {
				score++
			}
		}
		if strings.HasSuffix(strings.TrimSpace(text), "?") {
			score += 2
		}
		if n := len(strings.Fields(text)); n >= 3 && n <= 10 {
			score++
		}

		out = append(out, hookedSegment{
			TranscriptSegment: seg,
			HookScore:         score,
			IsPotentialHook:   score >= 2,
		})
	}
	return out
}

// segmentScore is the component breakdown of a candidate's viral score.
type segmentScore struct {
	Total   int
	Hook    int
	Payoff  int
	Humour  int
	Tension int
	Clarity int
	Rhythm  int
	Reasons []string
	Tags    []string
}

// candidate is a scored sub-clip proposal.
type candidate struct {
	StartSec      float64
	EndSec        float64
	Duration      float64
	Phrases       []hookedSegment
	Transcript    string
	WindowSize    int
	Score         segmentScore
	TopicLabel    string
	HookText      string
	ColdOpen      bool
	ColdOpenStart float64
}

// generateCandidates slides each window size across the source and snaps
// window bounds to phrase boundaries and natural break points.
func generateCandidates(phrases []hookedSegment, totalDuration float64, sceneTimes []float64) []*candidate {
	if len(phrases) == 0 {
		return nil
	}

	var candidates []*candidate
	for _, window := range candidateWindows {
		step := float64(window / 3)

		for current := 0.0; current+float64(window) <= totalDuration; current += step {
			inWindow := phrasesWithin(phrases, current, current+float64(window))
			if len(inWindow) == 0 {
				continue
			}

			start := inWindow[0].Start
			end := findNaturalEnd(inWindow[len(inWindow)-1].End, phrases, sceneTimes)
			if end-start < minClipDuration {
				continue
			}

			final := phrasesWithin(phrases, start, end)
			candidates = append(candidates, &candidate{
				StartSec:   start,
				EndSec:     end,
				Duration:   end - start,
				Phrases:    final,
				Transcript: joinPhrases(final),
				WindowSize: window,
			})
		}
	}
	return candidates
}

// phrasesWithin returns the phrases fully contained in [lo, hi].
func phrasesWithin(phrases []hookedSegment, lo, hi float64) []hookedSegment {
	var out []hookedSegment
	for _, p := range phrases {
		if p.Start >= lo && p.End <= hi {
			out = append(out, p)
		}
	}
	return out
}

func joinPhrases(phrases []hookedSegment) string {
	parts := make([]string, 0, len(phrases))
	for _, p := range phrases {
		parts = append(parts, p.Text)
	}
	return strings.Join(parts, " ")
}

// findNaturalEnd prefers a scene change near the current end, then a pause
// longer than a second, and otherwise keeps the end as-is.
func findNaturalEnd(currentEnd float64, phrases []hookedSegment, sceneTimes []float64) float64 {
	for _, t := range sceneTimes {
		if currentEnd-5 <= t && t <= currentEnd+10 {
			return t
		}
	}

	for i, p := range phrases {
		if p.Start > currentEnd+10 {
			break
		}
		if p.Start > currentEnd-5 && i > 0 {
			if gap := p.Start - phrases[i-1].End; gap > 1.0 {
				return phrases[i-1].End
			}
		}
	}
	return currentEnd
}

// scoreCandidates fills in every candidate's score and labels, highest
// total first.
func scoreCandidates(candidates []*candidate, audio *audioDoc, scenes *scenesDoc) {
	for _, c := range candidates {
		c.Score = scoreCandidate(c, audio, scenes)
		c.TopicLabel = generateTopicLabel(c.Transcript)
		c.HookText = findBestHook(c.Phrases)
		c.ColdOpen, c.ColdOpenStart = checkColdOpen(c.Phrases)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score.Total > candidates[j].Score.Total
	})
}

func scoreCandidate(c *candidate, audio *audioDoc, scenes *scenesDoc) segmentScore {
	transcript := strings.ToLower(c.Transcript)
	var reasons []string
	tags := make(map[string]bool)

	hook := 0
	for _, hp := range hookPatterns {
		if matches := hp.re.FindAllString(transcript, -1); len(matches) > 0 {
			n := len(matches)
			if n > 3 {
				n = 3
			}
			hook += hp.points * n
			reasons = append(reasons, "Hook: "+hp.reason)
		}
	}
	if len(c.Phrases) > 0 && c.Phrases[0].IsPotentialHook {
		hook += 5
		reasons = append(reasons, "Strong opening hook")
	}
	hook = min(hook, maxHookScore)

	payoff := 0
	for _, re := range conclusionPatterns {
		if re.MatchString(transcript) {
			payoff += 5
			reasons = append(reasons, "Strong conclusion")
		}
	}
	if c.Duration >= 25 && c.Duration <= 35 {
		payoff += 5
		reasons = append(reasons, "Optimal duration")
	}
	if len(c.Phrases) > 1 && c.Phrases[len(c.Phrases)-1].HookScore >= 2 {
		payoff += 5
		reasons = append(reasons, "Strong ending")
	}
	payoff = min(payoff, maxPayoffScore)

	humour := 0
	for _, cp := range contentPatterns {
		if !cp.re.MatchString(transcript) {
			continue
		}
		switch cp.tag {
		case "humour":
			humour += 5
			tags[cp.tag] = true
			reasons = append(reasons, "Contains humor markers")
		case "surprise", "rage", "fail":
			humour += 3
			tags[cp.tag] = true
		}
	}
	humour = min(humour, maxHumourScore)

	tension := 0
	if audio != nil {
		var values []float64
		for _, e := range audio.EnergyTimeline {
			if c.StartSec <= e.Time && e.Time <= c.EndSec {
				values = append(values, e.Value)
			}
		}
		if len(values) > 0 && variance(values) > 0.1 {
			tension += 5
			reasons = append(reasons, "High audio variance")
		}
	}
	if scenes != nil {
		count := 0
		for _, sc := range scenes.Scenes {
			if c.StartSec <= sc.Time && sc.Time <= c.EndSec {
				count++
			}
		}
		if count >= 2 {
			tension += 5
			reasons = append(reasons, "Multiple scene changes")
		}
	}
	for _, re := range tensionPatterns {
		if re.MatchString(transcript) {
			tension += 3
		}
	}
	tension = min(tension, maxTensionScore)

	clarity := 10
	for _, re := range contextPatterns {
		if re.MatchString(transcript) {
			clarity -= 3
			reasons = append(reasons, "May need context")
		}
	}
	if len(c.Phrases) >= 3 {
		clarity += 3
		reasons = append(reasons, "Self-contained narrative")
	}
	clarity = max(0, min(clarity, maxClarityScore))

	rhythm := 5
	wordsPerSecond := float64(len(strings.Fields(transcript))) / math.Max(c.Duration, 1)
	if wordsPerSecond >= 2.0 && wordsPerSecond <= 3.5 {
		rhythm += 3
		reasons = append(reasons, "Good speech pacing")
	}
	sentences := sentenceSplitRe.Split(transcript, -1)
	totalWords := 0
	for _, s := range sentences {
		totalWords += len(strings.Fields(s))
	}
	if avg := float64(totalWords) / math.Max(float64(len(sentences)), 1); avg >= 5 && avg <= 12 {
		rhythm += 2
		reasons = append(reasons, "Punchy sentences")
	}
	rhythm = min(rhythm, maxRhythmScore)

	for _, cp := range contentPatterns {
		if cp.re.MatchString(transcript) {
			tags[cp.tag] = true
		}
	}

	if len(reasons) > 5 {
		reasons = reasons[:5]
	}
	tagList := make([]string, 0, len(tags))
	for tag := range tags {
		tagList = append(tagList, tag)
	}
	sort.Strings(tagList)

	return segmentScore{
		Total:   min(hook+payoff+humour+tension+clarity+rhythm, 100),
		Hook:    hook,
		Payoff:  payoff,
		Humour:  humour,
		Tension: tension,
		Clarity: clarity,
		Rhythm:  rhythm,
		Reasons: reasons,
		Tags:    tagList,
	}
}

func variance(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return sq / float64(len(values))
}

// generateTopicLabel trims the first sentence to a 40-character label.
func generateTopicLabel(transcript string) string {
	sentences := sentenceSplitRe.Split(transcript, -1)
	if len(sentences) == 0 {
		return "Segment"
	}
	first := strings.TrimSpace(sentences[0])
	if runes := []rune(first); len(runes) > 40 {
		first = string(runes[:37]) + "..."
	}
	return first
}

// findBestHook returns the strongest hook phrase, falling back to the
// opening phrase when nothing stands out.
func findBestHook(phrases []hookedSegment) string {
	if len(phrases) == 0 {
		return ""
	}
	best := phrases[0]
	for _, p := range phrases[1:] {
		if p.HookScore > best.HookScore {
			best = p
		}
	}
	if best.HookScore >= 2 {
		return best.Text
	}
	return phrases[0].Text
}

// checkColdOpen recommends starting the clip at a later hook when a strong
// one exists past the opening phrase.
func checkColdOpen(phrases []hookedSegment) (bool, float64) {
	if len(phrases) < 3 {
		return false, 0
	}

	bestIdx, bestScore := 0, 0
	for i := 1; i < len(phrases); i++ {
		if phrases[i].HookScore > bestScore {
			bestScore = phrases[i].HookScore
			bestIdx = i
		}
	}

	if bestScore >= 3 && bestIdx > 0 {
		return true, phrases[bestIdx].Start
	}
	return false, 0
}

// dedupeCandidates drops candidates overlapping a better-scored keeper by
// more than the IoU threshold, keeping at most maxKeptSegments.
func dedupeCandidates(candidates []*candidate) []*candidate {
	if len(candidates) == 0 {
		return nil
	}

	sorted := make([]*candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score.Total > sorted[j].Score.Total
	})

	var kept []*candidate
	for _, c := range sorted {
		if len(kept) >= maxKeptSegments {
			break
		}
		dominated := false
		for _, k := range kept {
			if intervalIoU(c, k) > dedupeIoUThreshold {
				dominated = true
				break
			}
		}
		if !dominated {
			kept = append(kept, c)
		}
	}
	return kept
}

func intervalIoU(a, b *candidate) float64 {
	start := math.Max(a.StartSec, b.StartSec)
	end := math.Min(a.EndSec, b.EndSec)
	if start >= end {
		return 0
	}

	intersection := end - start
	union := (a.EndSec - a.StartSec) + (b.EndSec - b.StartSec) - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}

// timelinePoint is one sample of a timeline layer.
type timelinePoint struct {
	Time  float64 `json:"time"`
	Value float64 `json:"value"`
}

// hookTimeline samples hook likelihood at one-second resolution: the summed
// hook scores of phrases starting within five seconds, normalized to [0, 1].
func hookTimeline(phrases []hookedSegment, totalDuration float64) []timelinePoint {
	points := []timelinePoint{}
	for t := 0.0; t < totalDuration; t++ {
		score := 0
		for _, p := range phrases {
			if math.Abs(p.Start-t) < 5 {
				score += p.HookScore
			}
		}
		points = append(points, timelinePoint{
			Time:  t,
			Value: math.Min(float64(score)/10, 1.0),
		})
	}
	return points
}
