package inject

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func jsonArg(typ, value string) HookMessageArg {
	return HookMessageArg{Type: typ, Value: json.RawMessage(value)}
}

func TestJournalRecord(t *testing.T) {
	t.Parallel()

	t.Run("sequence_per_handle", func(t *testing.T) {
		j := NewJournal(NewMemStorage(), 0)
		for i := 0; i < 3; i++ {
			inv, err := j.Record(1, int64(i), nil)
			require.NoError(t, err)
			assert.Equal(t, uint64(i+1), inv.Seq)
		}
		inv, err := j.Record(2, 10, []HookMessageArg{jsonArg("int", "4"), {Type: "chan int", Text: "0xc0"}})
		require.NoError(t, err)
		assert.Equal(t, uint64(1), inv.Seq)
		assert.Equal(t, []InvocationArg{{Type: "int", Value: "4"}, {Type: "chan int", Value: "0xc0"}}, inv.Args)

		invocations, err := j.Invocations()
		require.NoError(t, err)
		require.Len(t, invocations, 4)
		for i, inv := range invocations[:3] {
			assert.Equal(t, Handle(1), inv.Handle)
			assert.Equal(t, uint64(i+1), inv.Seq)
			assert.Equal(t, int64(i), inv.TimeNS)
		}
		assert.Equal(t, Handle(2), invocations[3].Handle)

		counts, err := j.Counts()
		require.NoError(t, err)
		assert.Equal(t, map[Handle]int{1: 3, 2: 1}, counts)
	})

	t.Run("handle_order", func(t *testing.T) {
		j := NewJournal(NewMemStorage(), 0)
		for _, h := range []Handle{300, 2, 17, 2} {
			_, err := j.Record(h, 0, nil)
			require.NoError(t, err)
		}
		invocations, err := j.Invocations()
		require.NoError(t, err)
		var handles []Handle
		for _, inv := range invocations {
			handles = append(handles, inv.Handle)
		}
		assert.Equal(t, []Handle{2, 2, 17, 300}, handles)
	})

	t.Run("concurrent", func(t *testing.T) {
		j := NewJournal(NewMemStorage(), 0)
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for k := 0; k < 20; k++ {
					_, err := j.Record(5, 0, nil)
					assert.NoError(t, err)
				}
			}()
		}
		wg.Wait()

		invocations, err := j.Invocations()
		require.NoError(t, err)
		require.Len(t, invocations, 200)
		for i, inv := range invocations {
			assert.Equal(t, uint64(i+1), inv.Seq)
		}
	})

	t.Run("shared_storage", func(t *testing.T) {
		store := NewMemStorage()
		require.NoError(t, store.Put("other", []byte("x")))
		j := NewJournal(store, 0)
		_, err := j.Record(1, 0, nil)
		require.NoError(t, err)

		invocations, err := j.Invocations()
		require.NoError(t, err)
		assert.Len(t, invocations, 1)
	})
}

func TestJournalLimitArgValue(t *testing.T) {
	t.Parallel()

	j := NewJournal(NewMemStorage(), 8)
	long := "[" + strings.Repeat("1,", 20) + "1]"
	inv, err := j.Record(1, 0, []HookMessageArg{
		jsonArg("[]int", long),
		jsonArg("[]int", "[1,2]"),
		jsonArg("string", `"`+strings.Repeat("s", 20)+`"`),
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(inv.Args[0].Value, HashArgValuePrefix))
	assert.Equal(t, "[1,2]", inv.Args[1].Value)
	assert.Equal(t, `"`+strings.Repeat("s", 20)+`"`, inv.Args[2].Value)

	again, err := j.Record(1, 0, []HookMessageArg{jsonArg("[]int", long)})
	require.NoError(t, err)
	assert.Equal(t, inv.Args[0].Value, again.Args[0].Value)

	unlimited := NewJournal(NewMemStorage(), 0)
	inv, err = unlimited.Record(1, 0, []HookMessageArg{jsonArg("[]int", long)})
	require.NoError(t, err)
	assert.Equal(t, long, inv.Args[0].Value)
}

func TestJournalDescriptors(t *testing.T) {
	t.Parallel()

	j := NewJournal(NewMemStorage(), 0)
	j.Describe(HookDescriptor{Handle: 3, Name: "count", Target: "foo", Phase: phaseAfter})
	j.Describe(HookDescriptor{Handle: 1, Name: "log", Target: "foo", Phase: phaseBefore})
	j.Describe(HookDescriptor{Handle: 3, Name: "journal", Target: "foo", Phase: phaseAfter})

	descs := j.Descriptors()
	require.Len(t, descs, 2)
	assert.Equal(t, Handle(1), descs[0].Handle)
	assert.Equal(t, "journal", descs[1].Name)
}

func TestJournalExport(t *testing.T) {
	t.Parallel()

	for _, codec := range []Codec{CodecZstd, CodecS2} {
		t.Run(string(codec), func(t *testing.T) {
			j := NewJournal(NewMemStorage(), 0)
			j.Describe(HookDescriptor{Handle: 1, Name: "log", Target: "T.Do", Phase: phaseBefore})
			j.Describe(HookDescriptor{Handle: 2, Name: "count", Target: "T.Do", Phase: phaseAfter})
			for i := 0; i < 50; i++ {
				_, err := j.Record(Handle(i%2+1), int64(i), []HookMessageArg{jsonArg("int", "42")})
				require.NoError(t, err)
			}

			var buf bytes.Buffer
			require.NoError(t, j.Export(&buf, codec))
			assert.Equal(t, journalExportMagic+string(codec), buf.String()[:len(journalExportMagic)+1])

			export, err := ReadJournalExport(&buf)
			require.NoError(t, err)
			assert.Equal(t, j.Descriptors(), export.Hooks)
			expected, err := j.Invocations()
			require.NoError(t, err)
			assert.Equal(t, expected, export.Invocations)
			assert.Equal(t, map[Handle]int{1: 25, 2: 25}, export.Counts())
		})
	}

	t.Run("empty", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, NewJournal(NewMemStorage(), 0).Export(&buf, CodecZstd))
		export, err := ReadJournalExport(&buf)
		require.NoError(t, err)
		assert.Empty(t, export.Hooks)
		assert.Empty(t, export.Invocations)
	})

	t.Run("unknown_codec", func(t *testing.T) {
		var buf bytes.Buffer
		require.Error(t, NewJournal(NewMemStorage(), 0).Export(&buf, Codec('x')))
	})
}

func TestReadJournalExportInvalid(t *testing.T) {
	t.Parallel()

	tests := map[string][]byte{
		"empty":         nil,
		"short":         []byte("inj"),
		"bad_magic":     []byte("nope-z"),
		"unknown_codec": []byte(journalExportMagic + "x"),
		"truncated":     []byte(journalExportMagic + "z\x28\xb5\x2f"),
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ReadJournalExport(bytes.NewReader(data))
			assert.ErrorIs(t, err, ErrJournalFormat)
		})
	}

	t.Run("truncated_invocations", func(t *testing.T) {
		j := NewJournal(NewMemStorage(), 0)
		for i := 0; i < 5; i++ {
			_, err := j.Record(1, 0, nil)
			require.NoError(t, err)
		}
		var buf bytes.Buffer
		require.NoError(t, j.Export(&buf, CodecS2))
		data := buf.Bytes()[:buf.Len()-4]

		_, err := ReadJournalExport(bytes.NewReader(data))
		assert.ErrorIs(t, err, ErrJournalFormat)
	})

	t.Run("count_exceeds_stream", func(t *testing.T) {
		var buf bytes.Buffer
		buf.WriteString(journalExportMagic)
		buf.WriteByte(byte(CodecZstd))
		cw, err := compressWriter(&buf, CodecZstd)
		require.NoError(t, err)
		require.NoError(t, msgpack.NewEncoder(cw).Encode(&journalExportHeader{
			Version: journalVersion,
			Count:   1 << 50,
		}))
		require.NoError(t, cw.Close())

		_, err = ReadJournalExport(bytes.NewReader(buf.Bytes()))
		assert.ErrorIs(t, err, ErrJournalFormat)
	})
}
