// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongocore/driver/description"
	"github.com/mongocore/driver/driver"
)

// SaslClient is the client piece of a sasl conversation.
type SaslClient interface {
	Start() (string, []byte, error)
	Next(challenge []byte) ([]byte, error)
	Completed() bool
}

// SaslClientCloser is a SaslClient that has resources to clean up.
type SaslClientCloser interface {
	SaslClient
	Close()
}

// ExtraOptionsSaslClient is a SaslClient that appends options to the saslStart
// command.
type ExtraOptionsSaslClient interface {
	StartCommandOptions() bsoncore.Document
}

// saslConversation represents a SASL conversation. This type implements the
// SpeculativeConversation interface so the conversation can be executed in
// multi-step speculative fashion.
type saslConversation struct {
	client      SaslClient
	source      string
	mechanism   string
	speculative bool
}

var _ SpeculativeConversation = (*saslConversation)(nil)

func newSaslConversation(client SaslClient, source string, speculative bool) *saslConversation {
	authSource := source
	if authSource == "" {
		authSource = defaultAuthDB
	}
	return &saslConversation{
		client:      client,
		source:      authSource,
		speculative: speculative,
	}
}

// FirstMessage returns the first message to be sent to the server. For a
// speculative conversation the message also contains a "db" field so it can
// be used for speculative authentication.
func (sc *saslConversation) FirstMessage() (bsoncore.Document, error) {
	var payload []byte
	var err error
	sc.mechanism, payload, err = sc.client.Start()
	if err != nil {
		return nil, err
	}

	saslCmdElements := [][]byte{
		bsoncore.AppendInt32Element(nil, "saslStart", 1),
		bsoncore.AppendStringElement(nil, "mechanism", sc.mechanism),
		bsoncore.AppendBinaryElement(nil, "payload", 0x00, payload),
	}
	if sc.speculative {
		// The "db" field is only appended for speculative auth because the
		// hello command is executed against admin so this is needed to tell
		// the server the db for authentication.
		saslCmdElements = append(saslCmdElements, bsoncore.AppendStringElement(nil, "db", sc.source))
	}
	if extraOptionsClient, ok := sc.client.(ExtraOptionsSaslClient); ok {
		optionsDoc := extraOptionsClient.StartCommandOptions()
		saslCmdElements = append(saslCmdElements, bsoncore.AppendDocumentElement(nil, "options", optionsDoc))
	}

	return bsoncore.BuildDocumentFromElements(nil, saslCmdElements...), nil
}

type saslResponse struct {
	ConversationID int    `bson:"conversationId"`
	Code           int    `bson:"code"`
	Done           bool   `bson:"done"`
	Payload        []byte `bson:"payload"`
}

func extractSaslResponse(doc bsoncore.Document) (saslResponse, error) {
	var resp saslResponse

	if cid, ok := doc.Lookup("conversationId").AsInt64OK(); ok {
		resp.ConversationID = int(cid)
	}
	if code, ok := doc.Lookup("code").AsInt64OK(); ok {
		resp.Code = int(code)
	}
	if done, ok := doc.Lookup("done").BooleanOK(); ok {
		resp.Done = done
	}
	_, payload, ok := doc.Lookup("payload").BinaryOK()
	if !ok {
		return resp, newAuthError("server response missing payload field", nil)
	}
	resp.Payload = payload

	return resp, nil
}

// Finish completes the conversation based on the first server response to
// authenticate the given connection.
func (sc *saslConversation) Finish(ctx context.Context, cfg *Config, firstResponse bsoncore.Document) error {
	if closer, ok := sc.client.(SaslClientCloser); ok {
		defer closer.Close()
	}

	resp, err := extractSaslResponse(firstResponse)
	if err != nil {
		return err
	}

	cid := resp.ConversationID

	var payload []byte
	var rdr bsoncore.Document
	for {
		if resp.Code != 0 {
			return newError(fmt.Errorf("server returned error code %d", resp.Code), sc.mechanism)
		}

		if resp.Done && sc.client.Completed() {
			return nil
		}

		payload, err = sc.client.Next(resp.Payload)
		if err != nil {
			return newError(err, sc.mechanism)
		}

		if resp.Done && sc.client.Completed() {
			return nil
		}

		doc := bsoncore.BuildDocumentFromElements(nil,
			bsoncore.AppendInt32Element(nil, "saslContinue", 1),
			bsoncore.AppendInt32Element(nil, "conversationId", int32(cid)),
			bsoncore.AppendBinaryElement(nil, "payload", 0x00, payload),
		)

		saslContinueCmd := operationCommand{
			doc:      doc,
			database: sc.source,
		}

		rdr, err = saslContinueCmd.execute(ctx, cfg)
		if err != nil {
			return newError(err, sc.mechanism)
		}

		resp, err = extractSaslResponse(rdr)
		if err != nil {
			return err
		}
	}
}

// ConductSaslConversation runs a full sasl conversation to authenticate the
// provided connection.
func ConductSaslConversation(ctx context.Context, cfg *Config, authSource string, client SaslClient) error {
	// Arbiters cannot be authenticated
	if cfg.Description.Kind == description.RSArbiter {
		return nil
	}

	conversation := newSaslConversation(client, authSource, false)

	saslStartDoc, err := conversation.FirstMessage()
	if err != nil {
		return newError(err, conversation.mechanism)
	}

	saslStartCmd := operationCommand{
		doc:      saslStartDoc,
		database: conversation.source,
	}

	rdr, err := saslStartCmd.execute(ctx, cfg)
	if err != nil {
		return newError(err, conversation.mechanism)
	}

	return conversation.Finish(ctx, cfg, rdr)
}

// operationCommand runs a single command against the connection being
// authenticated.
type operationCommand struct {
	doc      bsoncore.Document
	database string
}

func (oc operationCommand) execute(ctx context.Context, cfg *Config) (bsoncore.Document, error) {
	var response bsoncore.Document
	err := driver.Operation{
		CommandFn: func(dst []byte, _ description.SelectedServer) ([]byte, error) {
			elems, err := oc.doc.Elements()
			if err != nil {
				return dst, err
			}
			for _, elem := range elems {
				dst = append(dst, elem...)
			}
			return dst, nil
		},
		Database:   oc.database,
		Deployment: driver.SingleConnectionDeployment{C: cfg.Connection},
		Clock:      cfg.ClusterClock,
		ProcessResponseFn: func(_ context.Context, info driver.ResponseInfo) error {
			response = info.ServerResponse
			return nil
		},
	}.Execute(ctx)
	return response, err
}
