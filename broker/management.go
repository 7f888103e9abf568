// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/absmach/testbroker/amqp1/message"
	"github.com/absmach/testbroker/amqp1/performatives"
	"github.com/absmach/testbroker/engine"
	"github.com/absmach/testbroker/node"
)

// ManagementAddress is the address of the management node. Requests sent
// there are answered on the queue named by their reply-to address.
const ManagementAddress = "$management"

// Management status codes.
const (
	statusOK             = int32(200)
	statusCreated        = int32(201)
	statusBadRequest     = int32(400)
	statusNotFound       = int32(404)
	statusConflict       = int32(409)
	statusNotImplemented = int32(501)
)

var (
	// ErrNoReplyTo rejects a management request that names nowhere to answer.
	ErrNoReplyTo = performatives.NewError(performatives.ErrInvalidField, "management request has no reply-to address")

	// ErrManagementSource rejects a consumer attaching to the management
	// node itself.
	ErrManagementSource = performatives.NewError(performatives.ErrNotAllowed, "the management node only accepts requests")
)

// handleManagement answers a request sent to the management node. The
// response is stored on the reply-to node like any other message.
func (b *Broker) handleManagement(l engine.Link, m *node.Message) error {
	req, err := message.Decode(m.Payload)
	if err != nil {
		return performatives.NewError(performatives.ErrDecodeError, "%v", err)
	}
	if req.Properties == nil || req.Properties.ReplyTo == "" {
		return ErrNoReplyTo
	}
	replyTo := req.Properties.ReplyTo
	if replyTo == ManagementAddress {
		return ErrNoReplyTo
	}

	resp := b.manage(req)
	resp.Properties.To = replyTo
	resp.Properties.CorrelationID = req.Properties.MessageID

	payload, err := resp.Encode()
	if err != nil {
		return performatives.NewError(performatives.ErrInternalError, "encoding management response: %v", err)
	}

	n := b.resolve(replyTo, node.KindQueue)
	b.store(n, l, node.NewMessage(replyTo, "", payload))
	sent := n.Dispatch()
	if b.metrics != nil {
		b.metrics.RecordForwarded(n.Kind(), sent)
	}
	return nil
}

func (b *Broker) manage(req *message.Message) *message.Message {
	op, _ := req.ApplicationProperties["operation"].(string)
	kind, _ := req.ApplicationProperties["type"].(string)
	name, _ := req.ApplicationProperties["name"].(string)

	var resp *message.Message
	switch strings.ToUpper(op) {
	case "CREATE":
		resp = b.manageCreate(kind, name)
	case "READ":
		resp = b.manageRead(kind, name)
	case "QUERY":
		resp = b.manageQuery(kind)
	case "DELETE":
		resp = statusResponse(statusNotImplemented, "nodes live until the broker exits")
	default:
		resp = statusResponse(statusBadRequest, fmt.Sprintf("unsupported operation: %q", op))
	}

	b.logger.Info("management request",
		slog.String("operation", op),
		slog.String("type", kind),
		slog.String("name", name),
		slog.Any("status", resp.ApplicationProperties["statusCode"]))
	return resp
}

func (b *Broker) manageCreate(kind, name string) *message.Message {
	if name == "" {
		return statusResponse(statusBadRequest, "name is required for CREATE")
	}
	if name == ManagementAddress {
		return statusResponse(statusConflict, "address is reserved")
	}

	var err error
	switch kind {
	case "queue":
		_, err = b.createQueue(name)
	case "topic":
		var n node.Node
		if n, err = b.registry.DeclareTopic(name); err == nil {
			b.nodeCreated(n)
		}
	default:
		return statusResponse(statusBadRequest, fmt.Sprintf("unsupported type: %q", kind))
	}

	switch {
	case errors.Is(err, node.ErrNodeExists):
		return statusResponse(statusConflict, kind+" already exists")
	case err != nil:
		return statusResponse(statusBadRequest, err.Error())
	}
	return statusResponse(statusCreated, kind+" created")
}

func (b *Broker) manageRead(kind, name string) *message.Message {
	if name == "" {
		return statusResponse(statusBadRequest, "name is required for READ")
	}
	n, ok := b.registry.Lookup(name)
	if !ok || (kind != "" && n.Kind().String() != kind) {
		return statusResponse(statusNotFound, "node not found")
	}

	st := n.Stats()
	resp := statusResponse(statusOK, "OK")
	props := resp.ApplicationProperties
	props["name"] = st.Address
	props["type"] = st.Kind
	props["depth"] = int64(st.Depth)
	props["consumers"] = int64(st.Consumers)
	props["enqueued"] = st.Enqueued
	props["delivered"] = st.Delivered
	props["failed"] = st.Failed
	return resp
}

func (b *Broker) manageQuery(kind string) *message.Message {
	var names []string
	for _, n := range b.registry.Nodes() {
		if kind == "" || n.Kind().String() == kind {
			names = append(names, n.Address())
		}
	}

	resp := statusResponse(statusOK, "OK")
	resp.ApplicationProperties["nodes"] = strings.Join(names, ",")
	resp.ApplicationProperties["count"] = int64(len(names))
	return resp
}

func statusResponse(code int32, description string) *message.Message {
	return &message.Message{
		Properties: &message.Properties{},
		ApplicationProperties: map[string]any{
			"statusCode":        code,
			"statusDescription": description,
		},
	}
}
