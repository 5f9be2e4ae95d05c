package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ipfs/go-bitswap-server/cmd/bsserve/config"
	bsnet "github.com/ipfs/go-bitswap-server/network"
	"github.com/ipfs/go-bitswap-server/server"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	logging "github.com/ipfs/go-log"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	ma "github.com/multiformats/go-multiaddr"
	mh "github.com/multiformats/go-multihash"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

const (
	connMgrLow  = 100
	connMgrHigh = 400
)

// rawPrefix is the CID format of the served files.
var rawPrefix = cid.Prefix{
	Version:  1,
	Codec:    cid.Raw,
	MhType:   mh.SHA2_256,
	MhLength: -1,
}

func newServeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [files...]",
		Short: "Serve files as raw blocks until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			if err := logging.SetLogLevel("*", cfg.LogLevel); err != nil {
				return fmt.Errorf("setting log level: %w", err)
			}

			blks, err := loadBlocks(args)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, blks, cmd.OutOrStdout())
		},
	}
}

// loadBlocks reads every file whole into a raw block.
func loadBlocks(paths []string) ([]blocks.Block, error) {
	blks := make([]blocks.Block, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", p, err)
		}
		blk, err := rawBlock(data)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", p, err)
		}
		blks = append(blks, blk)
	}
	return blks, nil
}

func rawBlock(data []byte) (blocks.Block, error) {
	c, err := rawPrefix.Sum(data)
	if err != nil {
		return nil, err
	}
	return blocks.NewBlockWithCid(data, c)
}

func newHost(cfg *config.Config) (host.Host, error) {
	cm, err := connmgr.NewConnManager(connMgrLow, connMgrHigh)
	if err != nil {
		return nil, err
	}
	return libp2p.New(
		libp2p.ListenAddrStrings(cfg.Listen...),
		libp2p.ConnectionManager(cm),
	)
}

// serve runs the server until ctx is done and reports its counters.
func serve(ctx context.Context, cfg *config.Config, blks []blocks.Block, out io.Writer) (err error) {
	h, err := newHost(cfg)
	if err != nil {
		return fmt.Errorf("starting libp2p host: %w", err)
	}

	bstore := blockstore.NewBlockstore(dssync.MutexWrap(datastore.NewMapDatastore()))
	srv := server.New(ctx, bsnet.NewFromIpfsHost(h), bstore, cfg.ServerOptions()...)
	defer func() {
		err = multierr.Combine(err, srv.Close(), h.Close())
	}()

	if err := srv.PutBlocks(ctx, blks...); err != nil {
		return err
	}

	p2pPart, err := ma.NewComponent("p2p", h.ID().String())
	if err != nil {
		return err
	}
	for _, a := range h.Addrs() {
		fmt.Fprintf(out, "listening on %s\n", a.Encapsulate(p2pPart))
	}
	for _, b := range blks {
		fmt.Fprintf(out, "serving %s (%d bytes)\n", b.Cid(), len(b.RawData()))
	}
	log.Infow("serving", "peer", h.ID(), "blocks", len(blks))

	<-ctx.Done()

	st := srv.Stat()
	fmt.Fprintf(out, "blocks sent: %d\ndata sent: %d\nmessages received: %d\npeers: %d\n",
		st.BlocksSent, st.DataSent, st.MessagesRecvd, len(st.Peers))
	return nil
}
