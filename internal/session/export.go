// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Startline Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package session

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/nishisan-dev/startline-relay/internal/wire"
)

// csvHeader é o layout de colunas do export tabular.
var csvHeader = []string{
	"ts_ms", "session_id", "athlete_id", "device_id", "name", "team",
	"lat", "lon", "alt_m", "sog_kn", "cog_deg", "dist_to_line_m",
	"eta_to_line_s", "speed_to_line_mps", "status", "data_age_ms",
}

// csvRow é uma linha do export: posição e métrica de gate mescladas por
// (ts_ms, athlete_id).
type csvRow struct {
	tsMs      int64
	sessionID string
	athleteID string

	deviceID  string
	name      string
	team      string
	lat       string
	lon       string
	altM      string
	sogKn     string
	cogDeg    string
	distM     string
	etaS      string
	speedMps  string
	status    string
	dataAgeMs string
}

// readEnvelopes percorre as linhas de um pack, pulando o header _meta e
// linhas ilegíveis, e entrega cada envelope ao callback.
func readEnvelopes(r io.Reader, fn func(wire.RawEnvelope)) error {
	sc := bufio.NewScanner(r)
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
		fn(env)
	}
	return sc.Err()
}

// ExportJSON escreve o pack como um documento JSON, envelope a envelope, sem
// materializar o pack em memória. Nada é escrito antes do primeiro envelope:
// pack vazio retorna ErrNotFound com o writer intocado. O writer pode ser um
// gzip writer; o caller cuida dos headers HTTP.
func ExportJSON(w io.Writer, r io.Reader, sessionID string) error {
	started := false
	var werr error
	err := readEnvelopes(r, func(env wire.RawEnvelope) {
		if werr != nil {
			return
		}
		raw, err := json.Marshal(env)
		if err != nil {
			return
		}
		if !started {
			if _, werr = fmt.Fprintf(w, "{\"session_id\":%q,\"messages\":[\n", sessionID); werr != nil {
				return
			}
			started = true
		} else if _, werr = io.WriteString(w, ",\n"); werr != nil {
			return
		}
		_, werr = w.Write(raw)
	})
	if err != nil {
		return fmt.Errorf("reading pack: %w", err)
	}
	if werr != nil {
		return werr
	}
	if !started {
		return ErrNotFound
	}
	_, werr = io.WriteString(w, "\n]}\n")
	return werr
}

// ExportCSV escreve o pack como CSV tabular: posições e métricas de gate do
// mesmo (ts_ms, athlete_id) viram uma única linha. Os envelopes de um pack
// saem na ordem de gravação, então basta segurar o grupo do ts_ms corrente e
// descarregá-lo quando o timestamp avança; a memória fica limitada ao tamanho
// da frota, não ao tamanho do pack.
func ExportCSV(w io.Writer, r io.Reader) error {
	cw := csv.NewWriter(w)
	wroteHeader := false

	var (
		curTs int64
		group map[string]*csvRow
	)

	flush := func() error {
		if len(group) == 0 {
			return nil
		}
		if !wroteHeader {
			if err := cw.Write(csvHeader); err != nil {
				return err
			}
			wroteHeader = true
		}
		ids := make([]string, 0, len(group))
		for id := range group {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			row := group[id]
			rec := []string{
				strconv.FormatInt(row.tsMs, 10), row.sessionID, row.athleteID,
				row.deviceID, row.name, row.team, row.lat, row.lon, row.altM,
				row.sogKn, row.cogDeg, row.distM, row.etaS, row.speedMps,
				row.status, row.dataAgeMs,
			}
			if err := cw.Write(rec); err != nil {
				return err
			}
		}
		group = nil
		return nil
	}

	rowFor := func(tsMs int64, sid, athleteID string) *csvRow {
		if group == nil {
			group = make(map[string]*csvRow)
		}
		row := group[athleteID]
		if row == nil {
			row = &csvRow{tsMs: tsMs, sessionID: sid, athleteID: athleteID}
			group[athleteID] = row
		}
		return row
	}

	var werr error
	err := readEnvelopes(r, func(env wire.RawEnvelope) {
		if werr != nil {
			return
		}
		if env.TsMs != curTs {
			if werr = flush(); werr != nil {
				return
			}
			curTs = env.TsMs
		}

		sid := ""
		if env.SessionID != nil {
			sid = *env.SessionID
		}

		switch env.Type {
		case wire.TypePositionUpdate:
			var p wire.PositionUpdatePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return
			}
			for _, pos := range p.Positions {
				row := rowFor(env.TsMs, sid, pos.AthleteID)
				row.deviceID = strconv.Itoa(pos.DeviceID)
				row.name = pos.Name
				row.team = pos.Team
				row.lat = formatFloat(pos.Lat)
				row.lon = formatFloat(pos.Lon)
				row.altM = formatFloat(pos.AltM)
				row.sogKn = formatFloatPtr(pos.SogKn)
				row.cogDeg = formatFloatPtr(pos.CogDeg)
				row.dataAgeMs = strconv.FormatInt(pos.DataAgeMs, 10)
			}
		case wire.TypeGateMetrics:
			var g wire.GateMetricsPayload
			if err := json.Unmarshal(env.Payload, &g); err != nil {
				return
			}
			for _, m := range g.Metrics {
				row := rowFor(env.TsMs, sid, m.AthleteID)
				if row.deviceID == "" {
					row.deviceID = strconv.Itoa(m.DeviceID)
					row.name = m.Name
				}
				row.distM = formatFloat(m.DistToLineM)
				row.etaS = formatFloatPtr(m.EtaToLineS)
				row.speedMps = formatFloat(m.SpeedToLineMps)
				row.status = string(m.Status)
			}
		}
	})
	if err != nil {
		return fmt.Errorf("reading pack: %w", err)
	}
	if werr != nil {
		return werr
	}
	if err := flush(); err != nil {
		return err
	}
	if !wroteHeader {
		return ErrNotFound
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatFloatPtr(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}
