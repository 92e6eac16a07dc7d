// Package handlers holds the built-in job handlers. Heavier processors
// (PDF extraction, OCR, transcription) live in their own services and
// register against the same contract.
package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/mediaforge/mediaforge/internal/cache"
	"github.com/mediaforge/mediaforge/internal/job"
	"github.com/mediaforge/mediaforge/internal/worker"
)

// TypeTextTransform is the job_type handled by TextTransform.
const TypeTextTransform = "text_transform"

// Register binds all built-in handlers.
func Register(reg *worker.Registry) error {
	return reg.Register(TypeTextTransform, TextTransform)
}

// TextTransform applies a named operation to inline text. Parameters:
//
//	text      (string, required)  the input text
//	operation (string, required)  one of: upper, lower, title, wordcount
//
// Results are cached on the text's content hash plus the operation, so
// re-enqueueing the same transformation reuses the prior result.
func TextTransform(ctx context.Context, j *job.Job, rt *worker.Runtime) (map[string]any, error) {
	text, ok := j.Parameters["text"].(string)
	if !ok || text == "" {
		return nil, &job.Error{
			Code:    "INVALID_PARAMETERS",
			Message: "parameter 'text' must be a non-empty string",
		}
	}
	op, _ := j.Parameters["operation"].(string)

	if err := rt.Progress(ctx, "prepare", 10, "deriving cache key"); err != nil {
		return nil, err
	}

	identity := sha256.Sum256([]byte(text))
	key := cache.Key(hex.EncodeToString(identity[:]), map[string]any{"operation": op})

	if entry, err := rt.Cache().Lookup(ctx, key); err == nil && entry != nil {
		rt.Log(ctx, "info", "cache hit, reusing prior result")
		return entry.Result, nil
	}

	if err := rt.Progress(ctx, "transform", 50, "applying operation "+op); err != nil {
		return nil, err
	}

	results := map[string]any{"operation": op}
	switch op {
	case "upper":
		results["text"] = strings.ToUpper(text)
	case "lower":
		results["text"] = strings.ToLower(text)
	case "title":
		results["text"] = titleCase(text)
	case "wordcount":
		results["words"] = len(strings.FieldsFunc(text, unicode.IsSpace))
		results["characters"] = len([]rune(text))
	default:
		return nil, &job.Error{
			Code:    "UNSUPPORTED_OPERATION",
			Message: fmt.Sprintf("unknown operation %q", op),
			Details: map[string]any{"supported": []string{"upper", "lower", "title", "wordcount"}},
		}
	}

	if err := rt.Cache().Store(ctx, key, &cache.Entry{
		Result:    results,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		// Cache population is best effort; the result stands either way.
		rt.Log(ctx, "warn", "cache store failed: "+err.Error())
	}

	if err := rt.Progress(ctx, "done", 100, ""); err != nil {
		return nil, err
	}
	return results, nil
}

func titleCase(s string) string {
	var b strings.Builder
	prevSpace := true
	for _, r := range s {
		if prevSpace {
			b.WriteRune(unicode.ToUpper(r))
		} else {
			b.WriteRune(unicode.ToLower(r))
		}
		prevSpace = unicode.IsSpace(r)
	}
	return b.String()
}
