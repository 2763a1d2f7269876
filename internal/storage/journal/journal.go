package journal

// ============================================================================
// Journal 核心實作
// 職責：
// 1. 追加事件到日誌檔案（append-only, JSON lines）
// 2. 提供重放功能以驗證或重建一次模擬
// 3. 支援日誌旋轉（舊檔壓縮保存）與截斷（從快照恢復時）
// 4. 確保寫入持久性與資料完整性
// ============================================================================

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Options journal 設定
type Options struct {
	BufferSize       int           // 緩衝事件數，滿了即 flush
	FlushInterval    time.Duration // 距上次 flush 超過此時間即 flush
	CompressOnRotate bool          // 旋轉時將舊檔壓縮為 .gz
}

// DefaultOptions 預設設定
func DefaultOptions() Options {
	return Options{
		BufferSize:    256,
		FlushInterval: time.Second,
	}
}

// Journal 表示 append-only 事件日誌
type Journal struct {
	mu      sync.Mutex    // 保護並發寫入
	file    FileInterface // 日誌檔案
	encoder *json.Encoder // JSON 編碼器
	path    string        // 日誌檔案路徑
	seq     uint64        // 當前事件序號
	closed  bool
	opts    Options

	buffer        []Event
	lastFlushTime time.Time
	now           func() time.Time
}

// Open 建立或開啟一個 journal
//
// 行為：
// - 如果檔案不存在，建立新檔案，seq 從 0 開始
// - 如果檔案已存在，讀取最後一個事件的 seq 並繼續
// - 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
func Open(path string, opts Options) (*Journal, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultOptions().BufferSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultOptions().FlushInterval
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create journal dir: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	var seq uint64
	last, err := GetLastEvent(path)
	switch {
	case err == nil:
		seq = last.Seq
	case !errors.Is(err, ErrEmptyJournal):
		file.Close()
		return nil, fmt.Errorf("failed to read last event: %w", err)
	}

	return &Journal{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		opts:          opts,
		buffer:        make([]Event, 0, opts.BufferSize),
		lastFlushTime: time.Now(),
		now:           time.Now,
	}, nil
}

// Append 追加事件到 journal
//
// 行為：
// - 自動遞增 seq、填入時間戳與 checksum
// - 先加入緩衝，force、緩衝已滿或超時才寫入並同步
//
// 回傳最後一個事件的 seq。
func (j *Journal) Append(events []Event, force bool) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return j.seq, ErrJournalClosed
	}

	ts := j.now().UnixMilli()
	for _, e := range events {
		j.seq++
		e.Seq = j.seq
		e.Timestamp = ts
		e.Checksum = CalculateChecksum(e)
		j.buffer = append(j.buffer, e)
	}

	needFlush := force || len(j.buffer) >= j.opts.BufferSize || time.Since(j.lastFlushTime) > j.opts.FlushInterval
	if needFlush {
		if err := j.flushLocked(); err != nil {
			return j.seq, err
		}
	}
	return j.seq, nil
}

// Flush 將緩衝事件寫入磁碟
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrJournalClosed
	}
	return j.flushLocked()
}

// Replay 重放所有已寫入的事件
//
// 行為：
// - 先 flush 緩衝，再從頭讀取檔案
// - 驗證每個事件的 checksum
// - 呼叫 handler，遇到錯誤立即停止
func (j *Journal) Replay(handler EventHandler) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.closed {
		if err := j.flushLocked(); err != nil {
			return err
		}
	}
	return ReplayFile(j.path, handler)
}

// ReplayFile 重放指定檔案中的所有事件，不需要開啟 Journal
func ReplayFile(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return scan(file, func(line int, e Event) error {
		if err := VerifyChecksum(e); err != nil {
			return err
		}
		return handler(e)
	})
}

// scan decodes JSON lines from r, reporting the 1-based line of each event.
func scan(r io.Reader, fn func(line int, e Event) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(raw, &e); err != nil {
			return &CorruptionError{Line: line, Cause: err}
		}
		if err := fn(line, e); err != nil {
			return err
		}
	}
	return sc.Err()
}

// Rotate 旋轉日誌檔案
//
// 舊檔改名為 <path>.<timestamp>（CompressOnRotate 時為 .gz），
// 新檔從 seq 0 開始。回傳舊檔路徑。
func (j *Journal) Rotate() (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return "", ErrJournalClosed
	}
	if err := j.flushLocked(); err != nil {
		return "", err
	}
	if err := j.file.Close(); err != nil {
		return "", err
	}

	backupPath := j.path + "." + j.now().Format("20060102_150405.000")
	if err := os.Rename(j.path, backupPath); err != nil {
		return "", err
	}
	if j.opts.CompressOnRotate {
		if err := compressFile(backupPath, backupPath+".gz"); err != nil {
			return "", err
		}
		if err := os.Remove(backupPath); err != nil {
			return "", err
		}
		backupPath += ".gz"
	}

	newFile, err := os.OpenFile(j.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		return "", err
	}

	j.file = newFile
	j.encoder = json.NewEncoder(newFile)
	j.seq = 0
	j.buffer = j.buffer[:0]
	j.lastFlushTime = time.Now()
	return backupPath, nil
}

// Close 關閉 journal。關閉後的實例不可重用。
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	if err := j.flushLocked(); err != nil {
		return err
	}
	j.closed = true
	return j.file.Close()
}

// LastSeq 取得當前的事件序號
//
// 用途：快照時需要記錄 last_seq，恢復時據此截斷多餘的事件
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path 取得日誌檔案路徑
func (j *Journal) Path() string {
	return j.path
}

// TruncateAfter 丟棄 seq 之後的事件並重新開檔
//
// 用途：從快照恢復時，快照之後寫入的事件會被重新產生，
// 必須先移除以免重複。
func (j *Journal) TruncateAfter(seq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}
	if err := j.flushLocked(); err != nil {
		return err
	}
	if err := j.file.Close(); err != nil {
		return err
	}
	if err := TruncateFile(j.path, seq); err != nil {
		return err
	}

	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	j.file = file
	j.encoder = json.NewEncoder(file)
	j.seq = min(j.seq, seq)
	return nil
}

// ============================================================================
// 內部輔助方法
// ============================================================================

// flushLocked 假設調用者已經持有 j.mu 鎖
func (j *Journal) flushLocked() error {
	if len(j.buffer) == 0 {
		return nil
	}
	for _, event := range j.buffer {
		if err := j.encoder.Encode(event); err != nil {
			return err
		}
	}
	j.buffer = j.buffer[:0]
	j.lastFlushTime = time.Now()
	return j.file.Sync()
}

// compressFile gzip 壓縮旋轉後的舊檔
func compressFile(srcPath, dstPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	gzipWriter := gzip.NewWriter(dstFile)
	if _, err := io.Copy(gzipWriter, srcFile); err != nil {
		gzipWriter.Close()
		return err
	}
	return gzipWriter.Close()
}
