package indexer

import "fmt"

// ValidationResult is the outcome of running the Horizontal Validator over
// a session's chunks.
type ValidationResult struct {
	OK     bool
	Kind   string // "gap", "overlap", "out_of_order", or "" when OK
	Index  int    // offending chunk index, -1 when OK
	Detail string
}

// ValidateChunks is the Horizontal Validator: it checks a session's chunks,
// ordered by index, against the boundary invariants that must hold before a
// session may be declared completed. Every chunk is assumed ChunkComplete;
// callers run this only once every chunk has persisted.
func ValidateChunks(window BlockWindow, chunks []*Chunk) ValidationResult {
	if len(chunks) == 0 {
		return ValidationResult{OK: false, Kind: "gap", Index: -1, Detail: "no chunks to validate"}
	}

	if chunks[0].Window.From != window.From {
		return ValidationResult{
			OK: false, Kind: "gap", Index: 0,
			Detail: fmt.Sprintf("first chunk starts at %d, window starts at %d", chunks[0].Window.From, window.From),
		}
	}

	last := chunks[len(chunks)-1]
	if last.Window.To != window.To {
		return ValidationResult{
			OK: false, Kind: "gap", Index: len(chunks) - 1,
			Detail: fmt.Sprintf("last chunk ends at %d, window ends at %d", last.Window.To, window.To),
		}
	}

	for i := 0; i < len(chunks)-1; i++ {
		cur, next := chunks[i], chunks[i+1]
		if cur.Window.To+1 < next.Window.From {
			return ValidationResult{
				OK: false, Kind: "gap", Index: i,
				Detail: fmt.Sprintf("gap between chunk %d (ends %d) and chunk %d (starts %d)", i, cur.Window.To, i+1, next.Window.From),
			}
		}
		if cur.Window.To+1 > next.Window.From {
			return ValidationResult{
				OK: false, Kind: "overlap", Index: i,
				Detail: fmt.Sprintf("overlap between chunk %d (ends %d) and chunk %d (starts %d)", i, cur.Window.To, i+1, next.Window.From),
			}
		}
	}

	for i, c := range chunks {
		if err := validateChunkLogBounds(c); err != nil {
			return ValidationResult{OK: false, Kind: "out_of_order", Index: i, Detail: err.Error()}
		}
	}

	return ValidationResult{OK: true, Index: -1}
}

// validateChunkLogBounds checks invariants 4 and 5 of the Horizontal
// Validator: every observed log falls within the chunk's own block range,
// and logs within a chunk are non-decreasing by block number.
func validateChunkLogBounds(c *Chunk) error {
	if len(c.Logs) == 0 {
		return nil
	}

	prev := c.Logs[0].BlockNumber
	for _, l := range c.Logs {
		if l.BlockNumber < c.Window.From || l.BlockNumber > c.Window.To {
			return fmt.Errorf("chunk %s: log at block %d outside window [%d, %d]", c.ID, l.BlockNumber, c.Window.From, c.Window.To)
		}
		if l.BlockNumber < prev {
			return fmt.Errorf("chunk %s: logs out of order (block %d after %d)", c.ID, l.BlockNumber, prev)
		}
		prev = l.BlockNumber
	}
	return nil
}
