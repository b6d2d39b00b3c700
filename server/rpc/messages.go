package rpc

import (
	"github.com/nomoresecretz/pktscope/common/record"
	"github.com/nomoresecretz/pktscope/server"
)

type StartRequest struct {
	Device string `json:"device"`
}

type StopRequest struct{}

type StatusRequest struct{}

type DiagnosticsRequest struct{}

type RecentRequest struct {
	Limit int `json:"limit"`
}

type GetRequest struct {
	ID string `json:"id"`
}

type ContextRequest struct {
	ID     string `json:"id"`
	Before int    `json:"before"`
	After  int    `json:"after"`
}

type FollowRequest struct{}

type ControlReply struct {
	Started bool         `json:"started"`
	State   server.State `json:"state"`
}

type RecordsReply struct {
	Records []record.Record `json:"records"`
}
