package journal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 journal 事件的 CRC32 校驗和
// ============================================================================

import (
	"hash/crc32"
	"strconv"
	"strings"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 涵蓋除 Timestamp 與 Checksum 以外的所有欄位，以 '|' 串接後
// 使用 CRC32-IEEE 計算。
func CalculateChecksum(e Event) uint32 {
	var b strings.Builder
	b.Grow(64)
	for i, part := range []string{
		strconv.FormatUint(e.Seq, 10),
		strconv.Itoa(e.Day),
		string(e.Type),
		strconv.Itoa(int(e.Individual)),
		string(e.Severity),
		strconv.Itoa(e.ResolutionDay),
		strconv.Itoa(e.NewInfected),
		strconv.Itoa(e.ExposedBefore),
		strconv.Itoa(e.ExposedAfter),
		strconv.FormatBool(e.Clamped),
	} {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(part)
	}
	return crc32.ChecksumIEEE([]byte(b.String()))
}

// VerifyChecksum 驗證事件的校驗和
func VerifyChecksum(e Event) error {
	expected := CalculateChecksum(e)
	if e.Checksum != expected {
		return &ChecksumError{Seq: e.Seq, Expected: expected, Actual: e.Checksum}
	}
	return nil
}
