package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"quorumcore/config"
	constore "quorumcore/consensus/store"
	"quorumcore/crypto"
	"quorumcore/envelope"
	"quorumcore/itemfetcher"
	"quorumcore/ledger"
	ledgerstore "quorumcore/ledger/store"
	"quorumcore/observability/logging"
	"quorumcore/p2p"
	"quorumcore/pending"
	"quorumcore/quorum"
	"quorumcore/storage"
	"quorumcore/types"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	genesisFlag := flag.String("genesis", "", "Path to a genesis quorum-set JSON file (overrides config GenesisFile)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup("quorumnoded", cfg.NetworkName)

	validatorKey, err := crypto.LoadFromKeystore(cfg.ValidatorKeystorePath, "")
	if err != nil {
		logger.Error("failed to load validator keystore", "err", err)
		os.Exit(1)
	}
	localNode := validatorKey.PubKey().Address()
	logger.Info("loaded validator identity", "node", localNode.String())

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("failed to create data directory", "err", err)
		os.Exit(1)
	}

	consensusDB, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "consensus"))
	if err != nil {
		logger.Error("failed to open consensus store", "err", err)
		os.Exit(1)
	}
	defer consensusDB.Close()
	consensusStore := constore.New(consensusDB)

	genesisFile := *genesisFlag
	if genesisFile == "" {
		genesisFile = cfg.GenesisFile
	}
	genesisPeers, err := loadGenesisQuorum(consensusStore, genesisFile)
	if err != nil {
		logger.Error("failed to resolve genesis quorum", "err", err)
		os.Exit(1)
	}

	tracker := quorum.New(localNode)
	if err := tracker.Rebuild(genesisLookup(genesisPeers)); err != nil {
		logger.Error("failed to rebuild quorum tracker from genesis", "err", err)
		os.Exit(1)
	}

	ledgerDB, err := ledgerstore.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		logger.Error("failed to open ledger store", "err", err)
		os.Exit(1)
	}
	root := ledger.NewRoot(ledgerDB, ledger.Header{}, cfg.Cache.EntrySize, cfg.Cache.BestOffersSize)

	broadcaster := &loggingBroadcaster{logger: logger}
	fetcher := itemfetcher.New(&fetchOverlay{broadcaster: broadcaster})
	pipeline := pending.New(fetcher, tracker)

	services := &nodeServices{
		pipeline: pipeline,
		fetcher:  fetcher,
		tracker:  tracker,
		root:     root,
		logger:   logger,
	}
	_ = services // wired for a caller-supplied consensus engine; see HandleMessage.

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := ledgerDB.Ping(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "store unreachable: %v", err)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	httpServer := &http.Server{Addr: cfg.MetricsAddress, Handler: mux}
	go func() {
		logger.Info("metrics server listening", "addr", cfg.MetricsAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "err", err)
		}
	}()

	logger.Info("node started; awaiting a consensus engine to drive ready envelopes",
		"listen", cfg.ListenAddress, "network", cfg.NetworkName)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("metrics server shutdown error", "err", err)
	}
}

// nodeServices bundles the wired core components a consensus engine
// (out of scope here) is expected to drive: feeding overlay deliveries
// into pipeline, polling pipeline.ReadySlots / pipeline.Pop, and
// opening scopes over root to apply transaction sets. HandleMessage
// implements the overlay-facing side of that boundary.
type nodeServices struct {
	pipeline *pending.Pipeline
	fetcher  *itemfetcher.Fetcher
	tracker  *quorum.Tracker
	root     *ledger.Root
	logger   *slog.Logger
}

// HandleMessage implements p2p.MessageHandler, translating wire
// messages into pipeline/fetcher calls.
func (n *nodeServices) HandleMessage(msg *p2p.Message) error {
	switch msg.Type {
	case p2p.MsgDeliverQuorumSet:
		var payload p2p.DeliverQuorumSetPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return p2p.ErrInvalidPayload
		}
		n.pipeline.RecvQset(payload.Hash, quorumSetFromWire(payload))
		return nil
	case p2p.MsgDeliverTxSet:
		var payload p2p.DeliverTxSetPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return p2p.ErrInvalidPayload
		}
		n.pipeline.RecvTxSet(payload.Hash, payload.Payload)
		return nil
	case p2p.MsgPeerLacksItem:
		var payload p2p.PeerLacksItemPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return p2p.ErrInvalidPayload
		}
		n.fetcher.PeerLacks(payload.Hash, "")
		return nil
	case p2p.MsgEnvelopeGossip:
		var payload p2p.EnvelopeGossipPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return p2p.ErrInvalidPayload
		}
		n.pipeline.Recv(&envelope.Envelope{
			Slot:      payload.Slot,
			Signer:    payload.Signer,
			QSetHash:  payload.QSetHash,
			TxSetHash: payload.TxSetHash,
			Body:      payload.Body,
		})
		return nil
	case p2p.MsgFetchItem:
		// Serving items back out to a requesting peer requires the
		// overlay's own item store, which lives outside this core;
		// nothing to do on this side.
		return nil
	default:
		return fmt.Errorf("quorumnoded: unrecognised message type %d", msg.Type)
	}
}

func quorumSetFromWire(payload p2p.DeliverQuorumSetPayload) *envelope.QuorumSet {
	qset := &envelope.QuorumSet{
		Threshold:  payload.Threshold,
		Validators: payload.Validators,
	}
	for _, inner := range payload.InnerSets {
		qset.InnerSets = append(qset.InnerSets, quorumSetFromWireSet(inner))
	}
	return qset
}

func quorumSetFromWireSet(set p2p.DeliverQuorumSetSet) *envelope.QuorumSet {
	qset := &envelope.QuorumSet{
		Threshold:  set.Threshold,
		Validators: set.Validators,
	}
	for _, inner := range set.InnerSets {
		qset.InnerSets = append(qset.InnerSets, quorumSetFromWireSet(inner))
	}
	return qset
}

// loggingBroadcaster is a placeholder p2p.Broadcaster: wiring a real
// transport is out of scope, so it only logs what it would have sent.
type loggingBroadcaster struct {
	logger *slog.Logger
}

func (b *loggingBroadcaster) Broadcast(msg *p2p.Message) error {
	b.logger.Debug("would broadcast", "type", msg.Type, "bytes", len(msg.Payload))
	return nil
}

// fetchOverlay adapts a p2p.Broadcaster into an itemfetcher.Overlay.
type fetchOverlay struct {
	broadcaster p2p.Broadcaster
}

func (o *fetchOverlay) Solicit(hash types.Hash) {
	payload, err := json.Marshal(p2p.FetchItemPayload{Hash: hash})
	if err != nil {
		return
	}
	_ = o.broadcaster.Broadcast(&p2p.Message{Type: p2p.MsgFetchItem, Payload: payload})
}

// Stop has no wire message: peers see us simply stop retrying.
func (o *fetchOverlay) Stop(types.Hash) {}

// genesisFileEntry is the on-disk JSON shape of one genesis peer.
type genesisFileEntry struct {
	Node string          `json:"node"`
	QSet genesisFileQSet `json:"qset"`
}

type genesisFileQSet struct {
	Threshold  uint32            `json:"threshold"`
	Validators []string          `json:"validators"`
	InnerSets  []genesisFileQSet `json:"innerSets"`
}

func (q genesisFileQSet) toQuorumSet() (*envelope.QuorumSet, error) {
	qset := &envelope.QuorumSet{Threshold: q.Threshold}
	for _, addr := range q.Validators {
		node, err := crypto.DecodeAddress(addr)
		if err != nil {
			return nil, fmt.Errorf("genesis: invalid validator address %q: %w", addr, err)
		}
		qset.Validators = append(qset.Validators, node)
	}
	for _, inner := range q.InnerSets {
		innerSet, err := inner.toQuorumSet()
		if err != nil {
			return nil, err
		}
		qset.InnerSets = append(qset.InnerSets, innerSet)
	}
	return qset, nil
}

// loadGenesisQuorum returns the previously persisted genesis quorum, or
// parses genesisFile and persists it on first run.
func loadGenesisQuorum(consensusStore *constore.Store, genesisFile string) ([]constore.GenesisPeer, error) {
	peers, found, err := consensusStore.LoadGenesisQuorum()
	if err != nil {
		return nil, err
	}
	if found {
		return peers, nil
	}
	if genesisFile == "" {
		return nil, nil
	}

	raw, err := os.ReadFile(genesisFile)
	if err != nil {
		return nil, fmt.Errorf("genesis: reading %s: %w", genesisFile, err)
	}
	var entries []genesisFileEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("genesis: parsing %s: %w", genesisFile, err)
	}

	peers = make([]constore.GenesisPeer, 0, len(entries))
	for _, entry := range entries {
		node, err := crypto.DecodeAddress(entry.Node)
		if err != nil {
			return nil, fmt.Errorf("genesis: invalid node address %q: %w", entry.Node, err)
		}
		qset, err := entry.QSet.toQuorumSet()
		if err != nil {
			return nil, err
		}
		peers = append(peers, constore.GenesisPeer{Node: node, QSet: qset})
	}

	if err := consensusStore.SaveGenesisQuorum(peers); err != nil {
		return nil, fmt.Errorf("genesis: persisting: %w", err)
	}
	return peers, nil
}

// genesisLookup adapts a genesis peer list into a quorum.Lookup.
func genesisLookup(peers []constore.GenesisPeer) quorum.Lookup {
	byNode := make(map[types.NodeKey]*envelope.QuorumSet, len(peers))
	for _, p := range peers {
		byNode[types.Key(p.Node)] = p.QSet
	}
	return func(node types.NodeID) (*envelope.QuorumSet, bool) {
		qset, ok := byNode[types.Key(node)]
		return qset, ok
	}
}
