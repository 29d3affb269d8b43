package pipeline

import (
	"context"
	"strings"

	"github.com/hazyhaar/pdfdossier/catalog"
	"github.com/hazyhaar/pdfdossier/extractor"
	"github.com/hazyhaar/pdfdossier/graph"
)

// EntityLabels are the recogniser labels kept.
var EntityLabels = map[string]bool{
	"PERSON": true,
	"ORG":    true,
	"GPE":    true,
	"LOC":    true,
	"DATE":   true,
}

const (
	defaultChunkRunes = 1_000_000
	contextRunes      = 100
	minTextRunes      = 10
)

// EntityStage recognises named entities in the extracted text.
type EntityStage struct {
	NER   extractor.EntityRecognizer
	Graph graph.Store
	// ChunkRunes caps the text sent per recogniser call. Default: 1,000,000.
	ChunkRunes int
}

func (s *EntityStage) Name() catalog.Stage { return catalog.StageEntity }

func (s *EntityStage) Available(ctx context.Context) error { return s.NER.Available(ctx) }

type foundMention struct {
	name, normalized, label string
	position                int
	context                 string
}

// Process recognises entities chunk by chunk. Mentions replace the
// document's previous ones at commit.
func (s *EntityStage) Process(ctx context.Context, job Job) (*Result, error) {
	doc := job.Doc
	text := []rune(doc.Text())

	var mentions []foundMention
	if len(strings.TrimSpace(string(text))) >= minTextRunes {
		chunk := s.ChunkRunes
		if chunk <= 0 {
			chunk = defaultChunkRunes
		}
		for off := 0; off < len(text); off += chunk {
			end := min(off+chunk, len(text))
			part := text[off:end]
			spans, err := s.NER.Recognize(ctx, string(part))
			if err != nil {
				return nil, err
			}
			for _, sp := range spans {
				if !EntityLabels[sp.Label] {
					continue
				}
				name := strings.TrimSpace(sp.Text)
				if len([]rune(name)) < 2 {
					continue
				}
				mentions = append(mentions, foundMention{
					name:       name,
					normalized: NormalizeName(name),
					label:      sp.Label,
					position:   off + sp.Start,
					context:    snippet(part, sp.Start, sp.End),
				})
			}
		}
	}

	type entityRef struct {
		node  graph.EntityNode
		count int
	}
	var refs map[string]*entityRef

	return &Result{
		Produced: len(mentions),
		Persist: func(ctx context.Context, tx *catalog.Tx) error {
			refs = make(map[string]*entityRef)
			touched, err := tx.DeleteDocumentMentions(ctx, doc.ID)
			if err != nil {
				return err
			}
			for _, m := range mentions {
				id, err := tx.UpsertEntity(ctx, m.name, m.normalized, m.label)
				if err != nil {
					return err
				}
				if err := tx.InsertMention(ctx, catalog.Mention{
					EntityID: id, DocumentID: doc.ID, Text: m.name, Position: m.position, Context: m.context,
				}); err != nil {
					return err
				}
				ref, ok := refs[id]
				if !ok {
					ref = &entityRef{node: graph.EntityNode{ID: id, Name: m.name, NormalizedName: m.normalized, Type: m.label}}
					refs[id] = ref
					touched = append(touched, id)
				}
				ref.count++
			}
			return tx.RefreshEntityCounts(ctx, dedupe(touched))
		},
		After: func(ctx context.Context) {
			if s.Graph == nil {
				return
			}
			_ = s.Graph.UpsertDocumentNode(ctx, graph.DocumentNode{
				ID: doc.ID, Filename: doc.Filename, Title: doc.Title, PageCount: doc.PageCount,
			})
			for id, ref := range refs {
				_ = s.Graph.UpsertEntityNode(ctx, ref.node)
				_ = s.Graph.UpsertMentionEdge(ctx, id, doc.ID, ref.count)
			}
		},
	}, nil
}

// NormalizeName lowercases, collapses whitespace and strips a leading
// courtesy title.
func NormalizeName(name string) string {
	n := strings.Join(strings.Fields(strings.ToLower(name)), " ")
	for _, prefix := range []string{"mr.", "mrs.", "ms.", "dr.", "prof."} {
		if strings.HasPrefix(n, prefix) {
			n = strings.TrimSpace(n[len(prefix):])
		}
	}
	return n
}

// snippet returns the text around [start, end) with contextRunes on each
// side, clipped to the chunk.
func snippet(text []rune, start, end int) string {
	start = min(max(start, 0), len(text))
	end = min(max(end, start), len(text))
	from := max(0, start-contextRunes)
	to := min(len(text), end+contextRunes)
	return string(text[from:to])
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
