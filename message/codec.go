package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	pb "github.com/ipfs/go-bitswap-server/message/pb"

	proto "github.com/gogo/protobuf/proto"
	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	pool "github.com/libp2p/go-buffer-pool"
	"github.com/libp2p/go-libp2p/core/network"
	msgio "github.com/libp2p/go-msgio"
)

var errCidMissing = errors.New("missing cid")

// FromNet generates a new BitswapMessage from incoming data on an io.Reader.
func FromNet(r io.Reader) (BitSwapMessage, error) {
	reader := msgio.NewVarintReaderSize(r, network.MessageSizeMax)
	return FromMsgReader(reader)
}

// FromMsgReader reads one varint-delimited message from r.
func FromMsgReader(r msgio.Reader) (BitSwapMessage, error) {
	msg, err := r.ReadMsg()
	if err != nil {
		return nil, err
	}

	var pbm pb.Message
	err = proto.Unmarshal(msg, &pbm)
	r.ReleaseMsg(msg)
	if err != nil {
		return nil, fmt.Errorf("decoding bitswap message: %w", err)
	}

	return FromProto(&pbm)
}

// FromProto converts a decoded protobuf message. Blocks are rebuilt from
// their CID prefix and data, so a block is always consistent with its CID.
func FromProto(pbm *pb.Message) (BitSwapMessage, error) {
	wl := pbm.GetWantlist()
	m := newMsg(wl.GetFull())

	for _, e := range wl.GetEntries() {
		if len(e.Block) == 0 {
			return nil, errCidMissing
		}
		c, err := cid.Cast(e.Block)
		if err != nil {
			return nil, fmt.Errorf("invalid wantlist cid: %w", err)
		}
		m.addEntry(c, e.Priority, e.Cancel, e.WantType, e.SendDontHave)
	}

	for _, b := range pbm.GetPayload() {
		pref, err := cid.PrefixFromBytes(b.Prefix)
		if err != nil {
			return nil, err
		}

		c, err := pref.Sum(b.Data)
		if err != nil {
			return nil, err
		}

		blk, err := blocks.NewBlockWithCid(b.Data, c)
		if err != nil {
			return nil, err
		}

		m.AddBlock(blk)
	}

	for _, bp := range pbm.GetBlockPresences() {
		if len(bp.Cid) == 0 {
			return nil, errCidMissing
		}
		c, err := cid.Cast(bp.Cid)
		if err != nil {
			return nil, fmt.Errorf("invalid block presence cid: %w", err)
		}
		m.AddBlockPresence(c, bp.Type)
	}

	m.pendingBytes = pbm.GetPendingBytes()

	return m, nil
}

func (m *impl) ToProto() *pb.Message {
	pbm := &pb.Message{
		Wantlist: &pb.Message_Wantlist{
			Entries: make([]*pb.Message_Wantlist_Entry, 0, len(m.wantlist)),
			Full:    m.full,
		},
	}
	for _, e := range m.wantlist {
		pbm.Wantlist.Entries = append(pbm.Wantlist.Entries, e.ToPB())
	}

	pbm.Payload = make([]*pb.Message_Block, 0, len(m.blocks))
	for _, b := range m.blocks {
		pbm.Payload = append(pbm.Payload, &pb.Message_Block{
			Prefix: b.Cid().Prefix().Bytes(),
			Data:   b.RawData(),
		})
	}

	pbm.BlockPresences = make([]*pb.Message_BlockPresence, 0, len(m.blockPresences))
	for c, t := range m.blockPresences {
		pbm.BlockPresences = append(pbm.BlockPresences, &pb.Message_BlockPresence{
			Cid:  c.Bytes(),
			Type: t,
		})
	}

	pbm.PendingBytes = m.pendingBytes

	return pbm
}

func (m *impl) ToNet(w io.Writer) error {
	return write(w, m.ToProto())
}

func write(w io.Writer, m *pb.Message) error {
	data, err := proto.Marshal(m)
	if err != nil {
		return err
	}

	buf := pool.Get(len(data) + binary.MaxVarintLen64)
	defer pool.Put(buf)

	n := binary.PutUvarint(buf, uint64(len(data)))
	n += copy(buf[n:], data)

	_, err = w.Write(buf[:n])
	return err
}
