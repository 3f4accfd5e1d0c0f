package inject

import (
	"bufio"
	"cmp"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/go-analyze/bulk"
	"github.com/mtraver/base91"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// HashArgValuePrefix marks an argument value replaced by its hash because it exceeded the length limit.
	HashArgValuePrefix = "vsha1-"

	journalKeyPrefix   = "inv"
	journalExportMagic = "injj"
	journalVersion     = 1

	journalReadPrealloc = 4096
)

// ErrJournalFormat indicates a journal export could not be read.
var ErrJournalFormat = errors.New("invalid journal export")

// HookDescriptor names a registered hook for reporting.
type HookDescriptor struct {
	Handle Handle `msgpack:"h"`
	Name   string `msgpack:"n"`
	Target string `msgpack:"t"`
	Phase  string `msgpack:"p"`
}

// Invocation is a single recorded call of a hook.
type Invocation struct {
	Handle Handle          `msgpack:"h"`
	Seq    uint64          `msgpack:"s"`
	TimeNS int64           `msgpack:"t"`
	Args   []InvocationArg `msgpack:"a,omitempty"`
}

// InvocationArg is a recorded argument in its printable form.
type InvocationArg struct {
	Type  string `msgpack:"t"`
	Value string `msgpack:"v"`
}

// Journal records hook invocations into a Storage. Records are numbered per handle in arrival order.
type Journal struct {
	store     Storage
	maxArgLen int
	mu        sync.Mutex
	seq       map[Handle]uint64
	hooks     map[Handle]HookDescriptor
}

// NewJournal creates a Journal in storage. Argument values longer than maxArgLen are stored as a hash,
// a maxArgLen of 0 or less disables hashing.
func NewJournal(storage Storage, maxArgLen int) *Journal {
	return &Journal{
		store:     KeyPrefixStorage(storage, journalKeyPrefix),
		maxArgLen: maxArgLen,
		seq:       make(map[Handle]uint64),
		hooks:     make(map[Handle]HookDescriptor),
	}
}

// Describe attaches a name and target to a handle so exports and reports can refer to it.
func (j *Journal) Describe(desc HookDescriptor) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.hooks[desc.Handle] = desc
}

// Descriptors returns the described hooks ordered by handle.
func (j *Journal) Descriptors() []HookDescriptor {
	j.mu.Lock()
	defer j.mu.Unlock()
	result := bulk.MapValuesSlice(j.hooks)
	slices.SortFunc(result, func(a, b HookDescriptor) int {
		return cmp.Compare(a.Handle, b.Handle)
	})
	return result
}

// Record stores an invocation of handle with the transported arguments.
func (j *Journal) Record(handle Handle, timeNS int64, args []HookMessageArg) (Invocation, error) {
	inv := Invocation{
		Handle: handle,
		TimeNS: timeNS,
		Args:   make([]InvocationArg, len(args)),
	}
	for i, a := range args {
		value := a.Text
		if len(a.Value) > 0 {
			value = string(a.Value)
		}
		inv.Args[i] = InvocationArg{Type: a.Type, Value: j.limitArgValue(a.Type, value)}
	}

	j.mu.Lock()
	j.seq[handle]++
	inv.Seq = j.seq[handle]
	j.mu.Unlock()

	b, err := msgpack.Marshal(&inv)
	if err != nil {
		return inv, fmt.Errorf("encode invocation failed: %w", err)
	} else if err := j.store.Put(journalKey(handle, inv.Seq), b); err != nil {
		return inv, fmt.Errorf("store invocation failed: %w", err)
	}
	return inv, nil
}

func journalKey(handle Handle, seq uint64) string {
	return fmt.Sprintf("%08x:%016x", uint32(handle), seq)
}

func (j *Journal) limitArgValue(typ, value string) string {
	if j.maxArgLen <= 0 || len(value) <= j.maxArgLen || strings.HasSuffix(typ, "string") {
		return value
	}
	sha := sha1.Sum([]byte(value))
	return HashArgValuePrefix + base91.StdEncoding.EncodeToString(sha[:])
}

// Invocations returns every recorded invocation ordered by handle then sequence.
func (j *Journal) Invocations() ([]Invocation, error) {
	keys, err := j.store.Keys("")
	if err != nil {
		return nil, err
	}
	slices.Sort(keys) // fixed width hex keys sort as (handle, seq)
	result := make([]Invocation, 0, len(keys))
	for _, key := range keys {
		b, ok, err := j.store.Get(key)
		if err != nil {
			return nil, err
		} else if !ok {
			continue // removed concurrently
		}
		var inv Invocation
		if err := msgpack.Unmarshal(b, &inv); err != nil {
			return nil, fmt.Errorf("decode invocation %s failed: %w", key, err)
		}
		result = append(result, inv)
	}
	return result, nil
}

// Counts returns the number of recorded invocations per handle.
func (j *Journal) Counts() (map[Handle]int, error) {
	invocations, err := j.Invocations()
	if err != nil {
		return nil, err
	}
	return invocationCounts(invocations), nil
}

func invocationCounts(invocations []Invocation) map[Handle]int {
	handles := make([]Handle, len(invocations))
	for i, inv := range invocations {
		handles[i] = inv.Handle
	}
	return bulk.SliceToCounts(handles)
}

// JournalExport is the content of an exported journal.
type JournalExport struct {
	Hooks       []HookDescriptor
	Invocations []Invocation
}

// Counts returns the number of invocations per handle.
func (e *JournalExport) Counts() map[Handle]int {
	return invocationCounts(e.Invocations)
}

type journalExportHeader struct {
	Version int              `msgpack:"v"`
	Count   int              `msgpack:"c"`
	Hooks   []HookDescriptor `msgpack:"h,omitempty"`
}

// Export writes the journal as a compressed msgpack stream: a header with the hook descriptors followed by
// every invocation in order.
func (j *Journal) Export(w io.Writer, codec Codec) error {
	invocations, err := j.Invocations()
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, journalExportMagic); err != nil {
		return err
	} else if _, err := w.Write([]byte{byte(codec)}); err != nil {
		return err
	}
	cw, err := compressWriter(w, codec)
	if err != nil {
		return err
	}
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)
	enc.Reset(cw)
	if err := enc.Encode(&journalExportHeader{
		Version: journalVersion,
		Count:   len(invocations),
		Hooks:   j.Descriptors(),
	}); err != nil {
		return errors.Join(err, cw.Close())
	}
	for i := range invocations {
		if err := enc.Encode(&invocations[i]); err != nil {
			return errors.Join(fmt.Errorf("encode invocation failed: %w", err), cw.Close())
		}
	}
	return cw.Close()
}

// ReadJournalExport reads a stream written by Journal.Export.
func ReadJournalExport(r io.Reader) (*JournalExport, error) {
	br := bufio.NewReader(r)
	head := make([]byte, len(journalExportMagic)+1)
	if _, err := io.ReadFull(br, head); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrJournalFormat, err)
	} else if string(head[:len(journalExportMagic)]) != journalExportMagic {
		return nil, fmt.Errorf("%w: missing header", ErrJournalFormat)
	}
	dr, closeReader, err := decompressReader(br, Codec(head[len(journalExportMagic)]))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrJournalFormat, err)
	}
	defer closeReader()

	dec := msgpack.NewDecoder(dr)
	var header journalExportHeader
	if err := dec.Decode(&header); err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrJournalFormat, err)
	} else if header.Version != journalVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrJournalFormat, header.Version)
	} else if header.Count < 0 {
		return nil, fmt.Errorf("%w: invalid count %d", ErrJournalFormat, header.Count)
	}
	// the count is only trusted up to what the stream actually holds
	export := &JournalExport{
		Hooks:       header.Hooks,
		Invocations: make([]Invocation, 0, min(header.Count, journalReadPrealloc)),
	}
	for i := 0; i < header.Count; i++ {
		var inv Invocation
		if err := dec.Decode(&inv); err != nil {
			return nil, fmt.Errorf("%w: invocation %d: %w", ErrJournalFormat, i, err)
		}
		export.Invocations = append(export.Invocations, inv)
	}
	return export, nil
}
