package message

import (
	"bytes"
	"testing"

	pb "github.com/ipfs/go-bitswap-server/message/pb"
	"github.com/ipfs/go-bitswap-server/wantlist"

	proto "github.com/gogo/protobuf/proto"
	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	blocksutil "github.com/ipfs/go-ipfs-blocksutil"
	u "github.com/ipfs/go-ipfs-util"
	"github.com/stretchr/testify/require"
)

func mkFakeCid(s string) cid.Cid {
	return cid.NewCidV0(u.Hash([]byte(s)))
}

func wantlistContains(wl *pb.Message_Wantlist, c cid.Cid) bool {
	for _, e := range wl.GetEntries() {
		if bytes.Equal(e.Block, c.Bytes()) {
			return true
		}
	}
	return false
}

func TestAppendWanted(t *testing.T) {
	str := mkFakeCid("foo")
	m := New(true)
	m.AddEntry(str, 1, pb.Message_Wantlist_Block, true)

	if !wantlistContains(m.ToProto().Wantlist, str) {
		t.Fail()
	}
}

func TestFromProto(t *testing.T) {
	str := mkFakeCid("a_key")
	protoMessage := &pb.Message{
		Wantlist: &pb.Message_Wantlist{
			Entries: []*pb.Message_Wantlist_Entry{{Block: str.Bytes()}},
		},
	}
	m, err := FromProto(protoMessage)
	if err != nil {
		t.Fatal(err)
	}

	if !wantlistContains(m.ToProto().Wantlist, str) {
		t.Fail()
	}
}

func TestFromProtoMissingCid(t *testing.T) {
	protoMessage := &pb.Message{
		Wantlist: &pb.Message_Wantlist{
			Entries: []*pb.Message_Wantlist_Entry{{Priority: 1}},
		},
	}
	_, err := FromProto(protoMessage)
	require.ErrorIs(t, err, errCidMissing)
}

func TestCopyProtoByValue(t *testing.T) {
	str := mkFakeCid("foo")
	m := New(true)
	protoBeforeAppend := m.ToProto()
	m.AddEntry(str, 1, pb.Message_Wantlist_Block, true)
	if wantlistContains(protoBeforeAppend.Wantlist, str) {
		t.Fail()
	}
}

func TestToNetFromNetPreservesWantList(t *testing.T) {
	original := New(true)
	for _, s := range []string{"M", "B", "D", "T", "F"} {
		original.AddEntry(mkFakeCid(s), 1, pb.Message_Wantlist_Block, true)
	}
	original.AddEntry(mkFakeCid("H"), 3, pb.Message_Wantlist_Have, false)

	buf := new(bytes.Buffer)
	require.NoError(t, original.ToNet(buf))

	copied, err := FromNet(buf)
	require.NoError(t, err)
	require.True(t, copied.Full(), "fullness attribute got dropped on marshal")

	keys := make(map[cid.Cid]Entry)
	for _, e := range copied.Wantlist() {
		keys[e.Cid] = e
	}
	for _, e := range original.Wantlist() {
		got, ok := keys[e.Cid]
		require.True(t, ok, "key missing: %s", e.Cid)
		require.Equal(t, e, got)
	}
}

func TestToAndFromNetMessage(t *testing.T) {
	original := New(false)
	for _, s := range []string{"W", "E", "F", "M"} {
		original.AddBlock(blocks.NewBlock([]byte(s)))
	}
	have := mkFakeCid("have")
	dontHave := mkFakeCid("dont-have")
	original.AddHave(have)
	original.AddDontHave(dontHave)
	original.SetPendingBytes(1234)

	buf := new(bytes.Buffer)
	require.NoError(t, original.ToNet(buf))

	m2, err := FromNet(buf)
	require.NoError(t, err)

	keys := make(map[cid.Cid]bool)
	for _, b := range m2.Blocks() {
		keys[b.Cid()] = true
	}
	for _, b := range original.Blocks() {
		require.True(t, keys[b.Cid()], "missing block %s", b.Cid())
	}

	require.Len(t, m2.Haves(), 1)
	require.True(t, m2.Haves()[0].Equals(have))
	require.Len(t, m2.DontHaves(), 1)
	require.True(t, m2.DontHaves()[0].Equals(dontHave))
	require.EqualValues(t, 1234, m2.PendingBytes())
	require.False(t, m2.Full())
}

func TestDuplicates(t *testing.T) {
	b := blocks.NewBlock([]byte("foo"))
	msg := New(true)

	msg.AddEntry(b.Cid(), 1, pb.Message_Wantlist_Block, true)
	msg.AddEntry(b.Cid(), 1, pb.Message_Wantlist_Block, true)
	if len(msg.Wantlist()) != 1 {
		t.Fatal("Duplicate in BitSwapMessage")
	}

	msg.AddBlock(b)
	msg.AddBlock(b)
	if len(msg.Blocks()) != 1 {
		t.Fatal("Duplicate in BitSwapMessage")
	}

	b2 := blocks.NewBlock([]byte("bar"))
	msg.AddBlockPresence(b2.Cid(), pb.Message_Have)
	msg.AddBlockPresence(b2.Cid(), pb.Message_Have)
	if len(msg.Haves()) != 1 {
		t.Fatal("Duplicate in BitSwapMessage")
	}
}

func TestBlockPresences(t *testing.T) {
	b1 := blocks.NewBlock([]byte("foo"))
	b2 := blocks.NewBlock([]byte("bar"))
	msg := New(true)

	msg.AddBlockPresence(b1.Cid(), pb.Message_Have)
	msg.AddBlockPresence(b2.Cid(), pb.Message_DontHave)
	if len(msg.Haves()) != 1 || !msg.Haves()[0].Equals(b1.Cid()) {
		t.Fatal("Expected HAVE")
	}
	if len(msg.DontHaves()) != 1 || !msg.DontHaves()[0].Equals(b2.Cid()) {
		t.Fatal("Expected DONT_HAVE")
	}

	msg.AddBlock(b1)
	if len(msg.Haves()) != 0 {
		t.Fatal("Expected block to overwrite HAVE")
	}

	msg.AddBlock(b2)
	if len(msg.DontHaves()) != 0 {
		t.Fatal("Expected block to overwrite DONT_HAVE")
	}

	msg.AddBlockPresence(b1.Cid(), pb.Message_Have)
	if len(msg.Haves()) != 0 {
		t.Fatal("Expected HAVE not to overwrite block")
	}

	msg.AddBlockPresence(b2.Cid(), pb.Message_DontHave)
	if len(msg.DontHaves()) != 0 {
		t.Fatal("Expected DONT_HAVE not to overwrite block")
	}
}

func TestAddWantlistEntry(t *testing.T) {
	b := blocks.NewBlock([]byte("foo"))
	msg := New(true)

	require.NotZero(t, msg.AddEntry(b.Cid(), 1, pb.Message_Wantlist_Have, false))
	require.Zero(t, msg.AddEntry(b.Cid(), 2, pb.Message_Wantlist_Block, true))
	entries := msg.Wantlist()
	require.Len(t, entries, 1)
	e := entries[0]
	require.Equal(t, pb.Message_Wantlist_Block, e.WantType, "want-block should override want-have")
	require.True(t, e.SendDontHave, "true SendDontHave should override false SendDontHave")
	require.EqualValues(t, 2, e.Priority, "an upgrade to want-block carries its priority")

	msg.AddEntry(b.Cid(), 5, pb.Message_Wantlist_Block, true)
	e = msg.Wantlist()[0]
	require.EqualValues(t, 5, e.Priority, "priority should be overridden if wants are of same type")

	msg.AddEntry(b.Cid(), 3, pb.Message_Wantlist_Have, false)
	e = msg.Wantlist()[0]
	require.Equal(t, pb.Message_Wantlist_Block, e.WantType, "want-have should not override want-block")
	require.True(t, e.SendDontHave, "false SendDontHave should not override true SendDontHave")
	require.EqualValues(t, 5, e.Priority, "priority should only be overridden if wants are of same type")

	msg.Cancel(b.Cid())
	e = msg.Wantlist()[0]
	require.True(t, e.Cancel, "cancel should override want")

	msg.AddEntry(b.Cid(), 10, pb.Message_Wantlist_Block, true)
	e = msg.Wantlist()[0]
	require.True(t, e.Cancel, "want should not override cancel")
}

func TestEmptyIgnoresPendingBytes(t *testing.T) {
	msg := New(false)
	msg.SetPendingBytes(100)
	require.True(t, msg.Empty())

	msg.AddHave(mkFakeCid("x"))
	require.False(t, msg.Empty())

	msg.Reset(false)
	require.True(t, msg.Empty())
	require.Zero(t, msg.PendingBytes())
}

func TestCloneIsIndependent(t *testing.T) {
	c := mkFakeCid("foo")
	msg := New(true)
	msg.AddEntry(c, 1, pb.Message_Wantlist_Have, false)

	cl := msg.Clone()
	msg.AddEntry(c, 7, pb.Message_Wantlist_Have, false)
	msg.AddBlock(blocks.NewBlock([]byte("bar")))

	require.EqualValues(t, 1, cl.Wantlist()[0].Priority)
	require.Empty(t, cl.Blocks())
}

func TestEntrySize(t *testing.T) {
	blockGenerator := blocksutil.NewBlockGenerator()
	c := blockGenerator.Next().Cid()
	e := Entry{
		Entry: wantlist.Entry{
			Cid:      c,
			Priority: 10,
			WantType: pb.Message_Wantlist_Have,
		},
		SendDontHave: true,
		Cancel:       false,
	}
	epb := e.ToPB()
	require.Equal(t, proto.Size(epb), e.Size())
	require.LessOrEqual(t, e.Size(), MaxEntrySize)
}

func TestSize(t *testing.T) {
	b := blocks.NewBlock([]byte("some data"))
	c := mkFakeCid("have")

	msg := New(false)
	msg.AddBlock(b)
	msg.AddHave(c)
	require.Equal(t, len(b.RawData())+BlockPresenceSize(c), msg.Size())
}
