package toolsurface

import (
	"context"
	"time"

	"github.com/steveseguin/ninjamcp/config/profile"
	"github.com/steveseguin/ninjamcp/errclass"
	"github.com/steveseguin/ninjamcp/eventqueue"
	"github.com/steveseguin/ninjamcp/filetransfer"
	"github.com/steveseguin/ninjamcp/internal/endpointid"
	"github.com/steveseguin/ninjamcp/protocol"
	"github.com/steveseguin/ninjamcp/session"
	"github.com/steveseguin/ninjamcp/state"
)

func registerSessionOps(sf *Surface) {
	Register(sf, "connect", opConnect)
	Register(sf, "status", opStatus)
	Register(sf, "disconnect", opDisconnect)
	Register(sf, "list_sessions", opListSessions)
	Register(sf, "capabilities", opCapabilities)
	Register(sf, "sync_peers", opSyncPeers)
	Register(sf, "sync_announce", opSyncAnnounce)
	Register(sf, "receive", opReceive)
}

func buildSessionConfig(req ConnectRequest) session.Config {
	applyable := profile.Applyable{
		HeartbeatInterval:     msToDuration(req.HeartbeatIntervalMS),
		InitialReconnectDelay: msToDuration(req.InitialReconnectDelayMS),
		MaxReconnectDelay:     msToDuration(req.MaxReconnectDelayMS),
		FileChunkBytes:        req.ChunkBytes,
		FileMaxBytes:          req.FileMaxBytes,
		FileAckTimeout:        msToDuration(req.FileAckTimeoutMS),
		FileMaxRetries:        req.FileMaxRetries,
		SpoolThreshold:        req.SpoolThresholdBytes,
		StateMaxKeys:          req.StateMaxKeys,
		StateMaxSnapshotEntries: req.StateMaxSnapshotEntries,
		EventQueueCap:         req.EventQueueCap,
	}
	applied := profile.Apply(applyable, profile.Name(req.Profile))

	return session.Config{
		ID:                 req.SessionID,
		Room:               req.Room,
		Password:           req.Password,
		LocalStreamID:      req.LocalStreamID,
		TargetStreamID:     req.TargetStreamID,
		Label:              req.Label,
		Capabilities:       req.Capabilities,
		IdleTimeoutSeconds: req.IdleTimeoutSeconds,

		HeartbeatInterval:     applied.HeartbeatInterval,
		InitialReconnectDelay: applied.InitialReconnectDelay,
		MaxReconnectDelay:     applied.MaxReconnectDelay,
		ConnectTimeout:        msToDuration(req.ConnectTimeoutMS),
		HandshakeTimeout:      msToDuration(req.HandshakeTimeoutMS),

		JoinToken:          req.JoinToken,
		JoinTokenSecret:    []byte(req.JoinTokenSecret),
		TokenTTL:           time.Duration(req.TokenTTLSeconds) * time.Second,
		EnforceJoinToken:   req.EnforceJoinToken,
		StreamAllowlist:    req.AllowPeerStreamIDs,
		RequireSessionMAC:  req.RequireSessionMAC,
		ClockSkewTolerance: time.Duration(req.ClockSkewToleranceS) * time.Second,

		FileTransfer: filetransfer.Config{
			ChunkBytes:          applied.FileChunkBytes,
			MaxBytes:            applied.FileMaxBytes,
			AckTimeout:          applied.FileAckTimeout,
			MaxRetries:          applied.FileMaxRetries,
			SpoolThresholdBytes: applied.SpoolThreshold,
			SpoolDir:            req.SpoolDir,
			KeepSpoolFiles:      req.KeepSpoolFiles,
		},
		State: state.Config{
			MaxKeys:            applied.StateMaxKeys,
			MaxSnapshotEntries: applied.StateMaxSnapshotEntries,
		},
		EventQueueCap: applied.EventQueueCap,
	}
}

func opConnect(ctx context.Context, sf *Surface, req ConnectRequest) (ConnectResponse, error) {
	if req.Room == "" {
		return ConnectResponse{}, errclass.Wrap(errclass.PathToolSurface, errclass.StageValidate, errclass.CodeInvalidInput, nil)
	}
	id := req.SessionID
	if id == "" {
		gen, err := endpointid.Random(16)
		if err != nil {
			return ConnectResponse{}, errclass.Wrap(errclass.PathToolSurface, errclass.StageValidate, errclass.CodeInternal, err)
		}
		id = gen
	} else if _, err := sf.getSession(id); err == nil {
		return ConnectResponse{}, errclass.Wrap(errclass.PathToolSurface, errclass.StageValidate, errclass.CodeInvalidInput, nil)
	}

	cfg := buildSessionConfig(req)
	cfg.ID = id
	s, err := session.New(cfg, sf.newTransport, sf.obs)
	if err != nil {
		return ConnectResponse{}, err
	}
	if err := s.Start(ctx); err != nil {
		return ConnectResponse{}, err
	}
	sf.addSession(id, s)

	st := s.Status()
	eff := effectiveConfigOf(cfg)
	return ConnectResponse{SessionID: id, Status: string(st.State), EffectiveConfig: eff}, nil
}

func effectiveConfigOf(cfg session.Config) EffectiveConfig {
	return EffectiveConfig{
		Room:                cfg.Room,
		LocalStreamID:       cfg.LocalStreamID,
		HeartbeatIntervalMS: durationToMS(cfg.HeartbeatInterval),
		InitialReconnectMS:  durationToMS(cfg.InitialReconnectDelay),
		MaxReconnectMS:      durationToMS(cfg.MaxReconnectDelay),
		ChunkBytes:          cfg.FileTransfer.ChunkBytes,
		FileMaxBytes:        cfg.FileTransfer.MaxBytes,
		FileAckTimeoutMS:    durationToMS(cfg.FileTransfer.AckTimeout),
		FileMaxRetries:      cfg.FileTransfer.MaxRetries,
		SpoolThresholdBytes: cfg.FileTransfer.SpoolThresholdBytes,
		StateMaxKeys:        cfg.State.MaxKeys,
		EventQueueCap:       cfg.EventQueueCap,
	}
}

func opStatus(ctx context.Context, sf *Surface, req SessionIDRequest) (StatusResponse, error) {
	s, err := sf.getSession(req.SessionID)
	if err != nil {
		return StatusResponse{}, err
	}
	st := s.Status()
	return StatusResponse{
		SessionID:      req.SessionID,
		State:          string(st.State),
		Room:           st.Room,
		LocalStreamID:  st.LocalStreamID,
		ReconnectCount: st.ReconnectCount,
		Peers:          st.Peers,
	}, nil
}

func opDisconnect(ctx context.Context, sf *Surface, req SessionIDRequest) (DisconnectResponse, error) {
	s, err := sf.getSession(req.SessionID)
	if err != nil {
		return DisconnectResponse{}, err
	}
	s.Stop()
	sf.removeSession(req.SessionID)
	return DisconnectResponse{OK: true, ClosedAt: time.Now().UnixMilli()}, nil
}

func opListSessions(ctx context.Context, sf *Surface, req struct{}) (ListSessionsResponse, error) {
	return ListSessionsResponse{SessionIDs: sf.sessionIDs()}, nil
}

func opCapabilities(ctx context.Context, sf *Surface, req struct{}) (CapabilitiesResponse, error) {
	return CapabilitiesResponse{
		ProtocolMagic: protocol.Magic,
		Tools:         sf.Names(),
		Profiles:      []string{string(profile.Default), string(profile.LowLatency), string(profile.BulkFile)},
	}, nil
}

func opSyncPeers(ctx context.Context, sf *Surface, req SessionIDRequest) (SyncPeersResponse, error) {
	s, err := sf.getSession(req.SessionID)
	if err != nil {
		return SyncPeersResponse{}, err
	}
	summaries := s.PeerSummaries()
	out := make([]PeerSyncStatus, len(summaries))
	for i, p := range summaries {
		out[i] = PeerSyncStatus{UUID: p.UUID, HandshakeState: p.State, Reason: p.Reason}
	}
	return SyncPeersResponse{Peers: out}, nil
}

func opSyncAnnounce(ctx context.Context, sf *Surface, req SyncAnnounceRequest) (OKResponse, error) {
	s, err := sf.getSession(req.SessionID)
	if err != nil {
		return OKResponse{}, err
	}
	if err := s.SyncAnnounce(ctx, req.Target); err != nil {
		return OKResponse{}, err
	}
	return OKResponse{OK: true}, nil
}

func opReceive(ctx context.Context, sf *Surface, req ReceiveRequest) (ReceiveResponse, error) {
	s, err := sf.getSession(req.SessionID)
	if err != nil {
		return ReceiveResponse{}, err
	}
	max := req.MaxEvents
	if max <= 0 || max > 500 {
		max = 500
	}
	wait := msToDuration(req.WaitMS)
	if wait > eventqueue.MaxWait {
		wait = eventqueue.MaxWait
	}
	evs := s.Events().Poll(ctx, max, wait)
	out := make([]any, len(evs))
	for i, e := range evs {
		out[i] = e
	}
	return ReceiveResponse{EventCount: len(out), Events: out}, nil
}
