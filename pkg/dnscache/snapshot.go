package dnscache

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/miekg/dns"
)

// Snapshot file format (cache.bin): "CZ" magic, one version byte,
// then zone records until EOF. Each zone's own writeTo/readFrom pair
// encodes its owner name and entry sets; empty zones are never written
// and are discarded if somehow present on load.
var snapshotMagic = [2]byte{'C', 'Z'}

const snapshotVersion = 1

// --- low-level wire primitives -------------------------------------------

func writeUint16(w io.Writer, v uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint16(r io.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func writeInt64Full(w io.Writer, v int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	_, err := w.Write(buf[:])
	return err
}

func readInt64Full(r io.Reader) (int64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(buf[:])), nil
}

func writeBool(w io.Writer, v bool) error {
	var b [1]byte
	if v {
		b[0] = 1
	}
	_, err := w.Write(b[:])
	return err
}

func readBool(r io.Reader) (bool, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

func writeString(w io.Writer, s string) error {
	if err := writeUint32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeRR(w io.Writer, rr dns.RR) error {
	if rr == nil {
		return writeString(w, "")
	}
	return writeString(w, rr.String())
}

func readRR(r io.Reader) (dns.RR, error) {
	text, err := readString(r)
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, nil
	}
	rr, err := dns.NewRR(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	return rr, nil
}

func writeRRList(w io.Writer, rrs []dns.RR) error {
	if err := writeUint32(w, uint32(len(rrs))); err != nil {
		return err
	}
	for _, rr := range rrs {
		if err := writeRR(w, rr); err != nil {
			return err
		}
	}
	return nil
}

func readRRList(r io.Reader) ([]dns.RR, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]dns.RR, 0, n)
	for i := uint32(0); i < n; i++ {
		rr, err := readRR(r)
		if err != nil {
			return nil, err
		}
		out = append(out, rr)
	}
	return out, nil
}

// writeRecordShallow encodes a record's identity, TTL/status, and ECS/CF
// scope, but not its own companion records -- used for glue/RRSIG/NSEC
// entries attached to a top-level record, to keep the format flat.
func writeRecordShallow(w io.Writer, r *Record) error {
	if err := writeString(w, r.Owner); err != nil {
		return err
	}
	if err := writeUint16(w, r.Type); err != nil {
		return err
	}
	if err := writeUint16(w, r.Class); err != nil {
		return err
	}
	if err := writeInt64Full(w, int64(r.TTL)); err != nil {
		return err
	}
	if err := writeInt64Full(w, r.ReceivedAt.UnixNano()); err != nil {
		return err
	}
	if err := writeUint16(w, 0); err != nil { // reserved, keeps header fixed-width
		return err
	}
	if _, err := w.Write([]byte{byte(r.Status)}); err != nil {
		return err
	}
	if r.Special != nil {
		if err := writeBool(w, true); err != nil {
			return err
		}
		return writeSpecial(w, r.Special)
	}
	if err := writeBool(w, false); err != nil {
		return err
	}
	return writeRR(w, r.RR)
}

func readRecordShallow(r io.Reader) (*Record, error) {
	owner, err := readString(r)
	if err != nil {
		return nil, err
	}
	typ, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	class, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	ttl, err := readInt64Full(r)
	if err != nil {
		return nil, err
	}
	receivedAtNano, err := readInt64Full(r)
	if err != nil {
		return nil, err
	}
	if _, err := readUint16(r); err != nil { // reserved
		return nil, err
	}
	var statusByte [1]byte
	if _, err := io.ReadFull(r, statusByte[:]); err != nil {
		return nil, err
	}
	isSpecial, err := readBool(r)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		Owner:      owner,
		Type:       typ,
		Class:      class,
		TTL:        time.Duration(ttl),
		ReceivedAt: time.Unix(0, receivedAtNano),
		Status:     DNSSECStatus(statusByte[0]),
	}
	if isSpecial {
		rec.Special, err = readSpecial(r)
		if err != nil {
			return nil, err
		}
	} else {
		rec.RR, err = readRR(r)
		if err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func writeSpecial(w io.Writer, s *SpecialRecord) error {
	if err := writeUint32(w, uint32(s.Kind)); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(s.RCODE)); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(s.OriginalRCODE)); err != nil {
		return err
	}
	for _, section := range [][]dns.RR{s.OriginalAnswer, s.OriginalAuthority, s.OriginalAdditional, s.NoDNSSECAuthority} {
		if err := writeRRList(w, section); err != nil {
			return err
		}
	}
	return nil
}

func readSpecial(r io.Reader) (*SpecialRecord, error) {
	kind, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	rcode, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	origRcode, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	s := &SpecialRecord{Kind: SpecialKind(kind), RCODE: int(rcode), OriginalRCODE: int(origRcode)}
	if s.OriginalAnswer, err = readRRList(r); err != nil {
		return nil, err
	}
	if s.OriginalAuthority, err = readRRList(r); err != nil {
		return nil, err
	}
	if s.OriginalAdditional, err = readRRList(r); err != nil {
		return nil, err
	}
	if s.NoDNSSECAuthority, err = readRRList(r); err != nil {
		return nil, err
	}
	return s, nil
}

// writeRecordInfo encodes the full companion metadata of a top-level
// record: ECS scope, conditional-forwarding flag, last-used time, and
// the glue/RRSIG/NSEC companion lists (each written shallow).
func writeRecordInfo(w io.Writer, info *RecordInfo) error {
	if info == nil {
		info = &RecordInfo{}
	}
	hasECS := info.ECS != nil && info.ECS.Address != nil
	if err := writeBool(w, hasECS); err != nil {
		return err
	}
	if hasECS {
		if err := writeString(w, info.ECS.Address.String()); err != nil {
			return err
		}
		if _, err := w.Write([]byte{info.ECS.Prefix}); err != nil {
			return err
		}
	}
	if err := writeBool(w, info.CF); err != nil {
		return err
	}
	if err := writeInt64Full(w, info.LastUsed.UnixNano()); err != nil {
		return err
	}
	for _, companions := range [][]*Record{info.Glue, info.RRSIG, info.NSEC} {
		if err := writeUint32(w, uint32(len(companions))); err != nil {
			return err
		}
		for _, c := range companions {
			if err := writeRecordShallow(w, c); err != nil {
				return err
			}
		}
	}
	return nil
}

func readRecordInfo(r io.Reader) (*RecordInfo, error) {
	info := &RecordInfo{}
	hasECS, err := readBool(r)
	if err != nil {
		return nil, err
	}
	if hasECS {
		addrStr, err := readString(r)
		if err != nil {
			return nil, err
		}
		var prefixByte [1]byte
		if _, err := io.ReadFull(r, prefixByte[:]); err != nil {
			return nil, err
		}
		info.ECS = &ECSScope{Address: net.ParseIP(addrStr), Prefix: prefixByte[0]}
	}
	if info.CF, err = readBool(r); err != nil {
		return nil, err
	}
	lastUsedNano, err := readInt64Full(r)
	if err != nil {
		return nil, err
	}
	info.LastUsed = time.Unix(0, lastUsedNano)

	lists := make([][]*Record, 3)
	for i := range lists {
		n, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		list := make([]*Record, 0, n)
		for j := uint32(0); j < n; j++ {
			rec, err := readRecordShallow(r)
			if err != nil {
				return nil, err
			}
			list = append(list, rec)
		}
		lists[i] = list
	}
	info.Glue, info.RRSIG, info.NSEC = lists[0], lists[1], lists[2]
	return info, nil
}

func writeRecord(w io.Writer, r *Record) error {
	if err := writeRecordShallow(w, r); err != nil {
		return err
	}
	return writeRecordInfo(w, r.Info)
}

func readRecord(r io.Reader) (*Record, error) {
	rec, err := readRecordShallow(r)
	if err != nil {
		return nil, err
	}
	rec.Info, err = readRecordInfo(r)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// --- entrySet / scopeKey wire format --------------------------------------

func writeScopeKey(w io.Writer, k scopeKey) error {
	if err := writeBool(w, k.scoped); err != nil {
		return err
	}
	if err := writeString(w, k.net); err != nil {
		return err
	}
	if _, err := w.Write([]byte{k.prefix}); err != nil {
		return err
	}
	return writeBool(w, k.cf)
}

func readScopeKey(r io.Reader) (scopeKey, error) {
	var k scopeKey
	var err error
	if k.scoped, err = readBool(r); err != nil {
		return k, err
	}
	if k.net, err = readString(r); err != nil {
		return k, err
	}
	var prefixByte [1]byte
	if _, err := io.ReadFull(r, prefixByte[:]); err != nil {
		return k, err
	}
	k.prefix = prefixByte[0]
	if k.cf, err = readBool(r); err != nil {
		return k, err
	}
	return k, nil
}

func (e *entrySet) writeTo(w io.Writer) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := writeUint32(w, uint32(len(e.variants))); err != nil {
		return err
	}
	for _, v := range e.variants {
		if err := writeScopeKey(w, v.key); err != nil {
			return err
		}
		if err := writeInt64Full(w, v.lastUsed.UnixNano()); err != nil {
			return err
		}
		if err := writeUint32(w, uint32(len(v.records))); err != nil {
			return err
		}
		for _, rec := range v.records {
			if err := writeRecord(w, rec); err != nil {
				return err
			}
		}
	}
	return nil
}

// readFrom returns the number of variants read.
func (e *entrySet) readFrom(r io.Reader) (int, error) {
	n, err := readUint32(r)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := uint32(0); i < n; i++ {
		key, err := readScopeKey(r)
		if err != nil {
			return len(e.variants), err
		}
		lastUsedNano, err := readInt64Full(r)
		if err != nil {
			return len(e.variants), err
		}
		recCount, err := readUint32(r)
		if err != nil {
			return len(e.variants), err
		}
		records := make([]*Record, 0, recCount)
		for j := uint32(0); j < recCount; j++ {
			rec, err := readRecord(r)
			if err != nil {
				return len(e.variants), err
			}
			records = append(records, rec)
		}
		e.variants = append(e.variants, &variant{key: key, records: records, lastUsed: time.Unix(0, lastUsedNano)})
	}
	return len(e.variants), nil
}

// --- top-level snapshot save/load ----------------------------------------

// saveSnapshot writes every non-empty zone in the tree to path.
func saveSnapshot(t *Tree, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	if _, err := bw.Write(snapshotMagic[:]); err != nil {
		return err
	}
	if err := bw.WriteByte(snapshotVersion); err != nil {
		return err
	}

	var writeErr error
	t.enumerate(func(z *zone) bool {
		if z.isEmpty() {
			return true
		}
		if err := z.writeTo(bw); err != nil {
			writeErr = err
			return false
		}
		return true
	})
	if writeErr != nil {
		return writeErr
	}
	return bw.Flush()
}

// loadSnapshot reads a snapshot previously written by saveSnapshot,
// inserting each zone into t and returning the total number of variants
// loaded (for total_entries accounting).
func loadSnapshot(t *Tree, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var magic [2]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if magic != snapshotMagic {
		return 0, fmt.Errorf("%w: bad magic", ErrCorruptSnapshot)
	}
	version, err := br.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if version != snapshotVersion {
		return 0, fmt.Errorf("%w: unsupported version %d", ErrCorruptSnapshot, version)
	}

	total := 0
	for {
		owner, err := readString(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return total, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
		}
		z := t.getOrAdd(owner)
		n, err := z.readFrom(br)
		if err != nil {
			return total, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
		}
		total += n
		if z.isEmpty() {
			t.tryRemove(owner)
		}
	}
	return total, nil
}
