// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Startline Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package mock

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nishisan-dev/startline-relay/internal/wire"
)

// Replay re-emite um session pack na cadência original: o ts_ms gravado é
// relativo ao início da sessão, então os deltas entre envelopes valem como
// espera. Bloqueia até o fim do pack ou o cancelamento do contexto.
func (s *Service) Replay(ctx context.Context, sessionID string) error {
	rc, err := s.store.Open(sessionID)
	if err != nil {
		return err
	}
	defer rc.Close()

	s.logger.Info("replaying session pack", "session", sessionID)

	var lastTs int64 = -1
	count := 0

	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var meta struct {
			Meta bool `json:"_meta"`
		}
		if err := json.Unmarshal(line, &meta); err != nil || meta.Meta {
			continue
		}
		var env wire.RawEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			continue
		}

		if lastTs >= 0 && env.TsMs > lastTs {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Duration(env.TsMs-lastTs) * time.Millisecond):
			}
		} else if ctx.Err() != nil {
			return nil
		}
		lastTs = env.TsMs

		// Re-estampa seq e ts; o payload gravado passa intocado.
		s.fab.Emit(env.Type, env.Payload, time.Now())
		count++
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading pack %s: %w", sessionID, err)
	}

	s.logger.Info("replay finished", "session", sessionID, "messages", count)
	return nil
}
