package report

import (
	"sort"

	"github.com/mohammad-safakhou/researcher/internal/helpers"
	"github.com/mohammad-safakhou/researcher/internal/research"
)

// DefaultImages is how many images a report carries.
const DefaultImages = 4

// Aggregate is the merged evidence of a session's sub-questions.
type Aggregate struct {
	// Done holds the finished sub-questions in plan order.
	Done      []research.SubQuestion
	Citations []research.Source
	Images    []research.Image
	Trace     []research.TraceEntry
	Failed    []research.SubQuestion
}

// Merge collects citations, images and the trace. Only done sub-questions
// contribute sources; duplicates by canonical URL keep the first-seen title
// and snippet and union their UsedIn sets.
func Merge(sqs []research.SubQuestion) Aggregate {
	ordered := append([]research.SubQuestion(nil), sqs...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Position < ordered[j].Position })

	var agg Aggregate
	index := map[string]int{}
	var images []research.Image
	for _, sq := range ordered {
		agg.Trace = append(agg.Trace, traceOf(sq))
		if sq.Status != research.SubQuestionDone || sq.Result == nil {
			if sq.Status == research.SubQuestionFailed {
				agg.Failed = append(agg.Failed, sq)
			}
			continue
		}
		agg.Done = append(agg.Done, sq)
		for _, src := range sq.Result.Sources {
			key := helpers.SourceKey(src.URL)
			if key == "" {
				continue
			}
			if i, ok := index[key]; ok {
				cur := &agg.Citations[i]
				if cur.Title == "" {
					cur.Title = src.Title
				}
				if cur.Snippet == "" {
					cur.Snippet = src.Snippet
				}
				cur.AddUsedIn(src.UsedIn...)
				cur.AddUsedIn(sq.ID)
				continue
			}
			merged := research.Source{URL: src.URL, Title: src.Title, Snippet: src.Snippet}
			merged.AddUsedIn(src.UsedIn...)
			merged.AddUsedIn(sq.ID)
			index[key] = len(agg.Citations)
			agg.Citations = append(agg.Citations, merged)
		}
		images = append(images, sq.Result.Images...)
	}
	agg.Images = SelectTopImages(images, DefaultImages)
	return agg
}

func traceOf(sq research.SubQuestion) research.TraceEntry {
	te := research.TraceEntry{SubQuestionID: sq.ID, Question: sq.Text, Status: sq.Status, Failure: sq.Failure}
	if sq.Result == nil {
		return te
	}
	seen := map[string]struct{}{}
	for _, inv := range sq.Result.Invocations {
		if _, ok := seen[inv.Tool]; ok || inv.Tool == "" {
			continue
		}
		seen[inv.Tool] = struct{}{}
		te.Tools = append(te.Tools, inv.Tool)
	}
	for _, s := range sq.Result.Sources {
		te.SourceURLs = append(te.SourceURLs, s.URL)
	}
	return te
}

// SelectTopImages returns at most k images: those scoring 2 or more first,
// then the rest, each group in input order, without repeated URLs.
func SelectTopImages(images []research.Image, k int) []research.Image {
	if k <= 0 {
		return nil
	}
	seen := map[string]struct{}{}
	var high, low []research.Image
	for _, img := range images {
		if img.URL == "" {
			continue
		}
		if _, dup := seen[img.URL]; dup {
			continue
		}
		seen[img.URL] = struct{}{}
		if img.Score >= 2 {
			high = append(high, img)
		} else {
			low = append(low, img)
		}
	}
	out := append(high, low...)
	if len(out) > k {
		out = out[:k]
	}
	return out
}
