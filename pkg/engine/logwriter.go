// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 The procflow Authors
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// logSink persists the streamed log text of one work item.
type logSink interface {
	UpdateWorkItemLog(ctx context.Context, id, log string) error
}

// debouncedLogWriter accumulates streamed decision text and flushes it to the
// database at most once per interval. Close flushes the remainder.
type debouncedLogWriter struct {
	sink     logSink
	itemID   string
	interval time.Duration

	mu        sync.Mutex
	buf       strings.Builder
	lastFlush time.Time
	dirty     bool
}

func newDebouncedLogWriter(sink logSink, itemID string, interval time.Duration) *debouncedLogWriter {
	return &debouncedLogWriter{
		sink:     sink,
		itemID:   itemID,
		interval: interval,
	}
}

// Append adds streamed text and flushes when the debounce window has passed.
func (w *debouncedLogWriter) Append(ctx context.Context, text string) {
	w.mu.Lock()
	w.buf.WriteString(text)
	w.dirty = true
	due := time.Since(w.lastFlush) >= w.interval
	var snapshot string
	if due {
		snapshot = w.buf.String()
		w.lastFlush = time.Now()
		w.dirty = false
	}
	w.mu.Unlock()

	if due {
		w.write(ctx, snapshot)
	}
}

// Close flushes any unwritten tail.
func (w *debouncedLogWriter) Close(ctx context.Context) {
	w.mu.Lock()
	snapshot := w.buf.String()
	dirty := w.dirty
	w.dirty = false
	w.mu.Unlock()

	if dirty {
		w.write(ctx, snapshot)
	}
}

// Text returns everything appended so far.
func (w *debouncedLogWriter) Text() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func (w *debouncedLogWriter) write(ctx context.Context, text string) {
	if err := w.sink.UpdateWorkItemLog(ctx, w.itemID, text); err != nil {
		slog.Warn("Failed to flush streamed log", "item", w.itemID, "error", err)
	}
}
