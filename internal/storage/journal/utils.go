package journal

// ============================================================================
// Journal 工具函式
// 職責：讀取、驗證、截斷、輸出與統計 journal 檔案
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ChuLiYu/outbreak-sim/pkg/types"
)

// GetLastEvent 從檔案讀取最後一個事件
//
// 從頭到尾掃描，回傳最後一個成功解析的事件；檔案不存在或為空時
// 回傳 ErrEmptyJournal。
func GetLastEvent(path string) (*Event, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrEmptyJournal
		}
		return nil, err
	}
	defer file.Close()

	var last *Event
	err = scan(file, func(_ int, e Event) error {
		last = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyJournal
	}
	return last, nil
}

// CountEvents 計算事件總數
func CountEvents(path string) (int, error) {
	n := 0
	err := ReplayFile(path, func(Event) error {
		n++
		return nil
	})
	return n, err
}

// Validate 驗證檔案完整性
//
// 檢查項目：
// - 所有事件的 JSON 格式正確
// - 所有事件的校驗和正確
// - seq 從 1 連續且無重複
func Validate(path string) error {
	var lastSeq uint64
	return ReplayFile(path, func(e Event) error {
		if e.Seq != lastSeq+1 {
			return fmt.Errorf("%w: expected seq=%d, got %d", ErrSequenceGap, lastSeq+1, e.Seq)
		}
		lastSeq = e.Seq
		return nil
	})
}

// TruncateFile 截斷檔案，只保留 seq <= keep 的事件
//
// 寫入臨時檔後以 rename 原子替換。
func TruncateFile(path string, keep uint64) error {
	src, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	tmpPath := path + ".tmp"
	dst, err := os.Create(tmpPath)
	if err != nil {
		src.Close()
		return err
	}

	err = scan(src, func(_ int, e Event) error {
		if e.Seq > keep {
			return nil
		}
		line, err := jsonLine(e)
		if err != nil {
			return err
		}
		_, err = dst.Write(line)
		return err
	})
	src.Close()
	if err == nil {
		err = dst.Sync()
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to truncate journal: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// Dump 輸出人類可讀格式
//
//	[Seq:1] day=0 INFECT id=0 mild -> day 14 (checksum:0x12345678)
func Dump(path string, w io.Writer) error {
	return ReplayFile(path, func(e Event) error {
		var detail string
		switch e.Type {
		case EventWave:
			detail = fmt.Sprintf("new=%d exposed=%d->%d", e.NewInfected, e.ExposedBefore, e.ExposedAfter)
			if e.Clamped {
				detail += " clamped"
			}
		case EventInfect:
			detail = fmt.Sprintf("id=%d %s -> day %d", e.Individual, e.Severity, e.ResolutionDay)
		default:
			detail = fmt.Sprintf("id=%d %s", e.Individual, e.Severity)
		}
		_, err := fmt.Fprintf(w, "[Seq:%d] day=%d %s %s at %s (checksum:0x%08x)\n",
			e.Seq, e.Day, e.Type, detail,
			time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339), e.Checksum)
		return err
	})
}

// Stats journal 統計資訊
type Stats struct {
	TotalEvents int               // 總事件數
	EventTypes  map[EventType]int // 各類型事件計數
	FirstSeq    uint64
	LastSeq     uint64
	FirstDay    int
	LastDay     int
	TimeRange   [2]int64 // 時間範圍 [最早, 最晚]
}

// GetStats 取得統計資訊
func GetStats(path string) (*Stats, error) {
	st := &Stats{EventTypes: make(map[EventType]int)}
	err := ReplayFile(path, func(e Event) error {
		if st.TotalEvents == 0 {
			st.FirstSeq = e.Seq
			st.FirstDay = e.Day
			st.TimeRange[0] = e.Timestamp
		}
		st.TotalEvents++
		st.EventTypes[e.Type]++
		st.LastSeq = e.Seq
		st.LastDay = e.Day
		st.TimeRange[1] = e.Timestamp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// ============================================================================
// 一致性檢查
// ============================================================================

// Tally 重放 journal 後得到的聚合計數
type Tally struct {
	LastSeq       uint64
	LastDay       int
	Waves         int
	TotalInfected int
	Recovered     int
	Deaths        int
	Exposed       int
}

// CurrentlyInfected 尚未結算的感染數
func (t Tally) CurrentlyInfected() int {
	return t.TotalInfected - t.Recovered - t.Deaths
}

type tallyEntry struct {
	severity      types.Severity
	resolutionDay int
	resolved      bool
}

// Check 重放事件並驗證流行病規則：
//   - 每個個體至多感染一次、結算一次
//   - 結算發生在排定日，且晚於感染日
//   - 結果與嚴重度一致
//
// upTo > 0 時只處理 seq <= upTo 的事件（對齊快照的 LastSeq）。
func Check(path string, upTo uint64) (*Tally, error) {
	tally := &Tally{}
	seen := make(map[types.IndividualID]*tallyEntry)
	errStop := errors.New("stop")

	err := ReplayFile(path, func(e Event) error {
		if upTo > 0 && e.Seq > upTo {
			return errStop
		}
		tally.LastSeq = e.Seq
		tally.LastDay = e.Day

		switch e.Type {
		case EventWave:
			tally.Waves++
			tally.Exposed = e.ExposedAfter
		case EventInfect:
			if _, dup := seen[e.Individual]; dup {
				return fmt.Errorf("%w: seq=%d individual %d infected twice", ErrInconsistent, e.Seq, e.Individual)
			}
			if e.ResolutionDay <= e.Day {
				return fmt.Errorf("%w: seq=%d individual %d resolves on day %d, infected day %d",
					ErrInconsistent, e.Seq, e.Individual, e.ResolutionDay, e.Day)
			}
			seen[e.Individual] = &tallyEntry{severity: e.Severity, resolutionDay: e.ResolutionDay}
			tally.TotalInfected++
			if tally.Exposed < tally.TotalInfected {
				// patient zeros are exposed without a wave
				tally.Exposed = tally.TotalInfected
			}
		case EventRecover, EventDie:
			ent, ok := seen[e.Individual]
			if !ok || ent.resolved {
				return fmt.Errorf("%w: seq=%d individual %d resolved while not infected", ErrInconsistent, e.Seq, e.Individual)
			}
			if e.Day != ent.resolutionDay {
				return fmt.Errorf("%w: seq=%d individual %d resolved on day %d, scheduled %d",
					ErrInconsistent, e.Seq, e.Individual, e.Day, ent.resolutionDay)
			}
			wantDie := ent.severity == types.SeveritySevereDies
			if (e.Type == EventDie) != wantDie {
				return fmt.Errorf("%w: seq=%d individual %d outcome %s does not match severity %s",
					ErrInconsistent, e.Seq, e.Individual, e.Type, ent.severity)
			}
			ent.resolved = true
			if wantDie {
				tally.Deaths++
			} else {
				tally.Recovered++
			}
		default:
			return fmt.Errorf("%w: seq=%d unknown event type %q", ErrCorruptedJournal, e.Seq, e.Type)
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return tally, err
	}
	return tally, nil
}

func jsonLine(e Event) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
