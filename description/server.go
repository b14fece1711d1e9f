// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package description contains types and functions for describing the state
// of MongoDB clusters.
package description

import (
	"bytes"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongocore/driver/address"
	"github.com/mongocore/driver/tag"
)

// ObjectID is a 12-byte BSON object id. Election ids are compared
// lexicographically on these bytes.
type ObjectID [12]byte

// Compare returns -1, 0, or 1 if oid is less than, equal to, or greater than
// other.
func (oid ObjectID) Compare(other ObjectID) int {
	return bytes.Compare(oid[:], other[:])
}

// String implements the fmt.Stringer interface.
func (oid ObjectID) String() string {
	return fmt.Sprintf("%x", oid[:])
}

// TopologyVersion represents a server's topology version.
type TopologyVersion struct {
	ProcessID ObjectID
	Counter   int64
}

// CompareTopologyVersion compares the receiver, which represents the currently
// known TopologyVersion for a server, to an incoming TopologyVersion extracted
// from a server command response or error. It returns -1 if the current
// version is less than the new, 0 if the versions are equal, and 1 if the
// current version is greater than the new. Per the SDAM specification, if the
// incoming version is nil or the process ids differ, the comparison result is
// -1.
func CompareTopologyVersion(currentTV, responseTV *TopologyVersion) int {
	if currentTV == nil || responseTV == nil {
		return -1
	}
	if currentTV.ProcessID != responseTV.ProcessID {
		return -1
	}
	switch {
	case currentTV.Counter < responseTV.Counter:
		return -1
	case currentTV.Counter > responseTV.Counter:
		return 1
	}
	return 0
}

// Server is a description of a server at one monitoring instant.
type Server struct {
	Addr address.Address

	Arbiters              []address.Address
	AverageRTT            time.Duration
	AverageRTTSet         bool
	Compression           []string // compression methods returned by server
	CanonicalAddr         address.Address
	ElectionID            ObjectID
	ElectionIDSet         bool
	HeartbeatInterval     time.Duration
	HelloOK               bool
	Hosts                 []address.Address
	IsCryptd              bool
	LastError             error
	LastUpdateTime        time.Time
	LastWriteTime         time.Time
	MaxBatchCount         uint32
	MaxDocumentSize       uint32
	MaxMessageSize        uint32
	Members               []address.Address
	Passives              []address.Address
	Primary               address.Address
	ReadOnly              bool
	ServiceID             *ObjectID // only set for servers behind a load balancer
	SessionTimeoutMinutes *int64
	SetName               string
	SetVersion            uint32
	Tags                  tag.Set
	TopologyVersion       *TopologyVersion
	Kind                  ServerKind
	WireVersion           *VersionRange
}

// defaults for maximum message sizes when the server does not report them.
const (
	defaultMaxDocumentSize uint32 = 16777216
	defaultMaxMessageSize  uint32 = 48000000
	defaultMaxBatchCount   uint32 = 100000
)

// NewDefaultServer creates a new unknown server description with the given
// address.
func NewDefaultServer(addr address.Address) Server {
	return NewServerFromError(addr, nil, nil)
}

// NewServerFromError creates a new unknown server description with the given
// parameters. Unknown descriptions carry no RTT, tags, or member lists.
func NewServerFromError(addr address.Address, err error, tv *TopologyVersion) Server {
	return Server{
		Addr:            addr,
		LastError:       err,
		Kind:            Unknown,
		TopologyVersion: tv,
		LastUpdateTime:  time.Now().UTC(),
	}
}

// NewServer creates a new server description from the given hello command
// response.
func NewServer(addr address.Address, response bsoncore.Document) Server {
	desc := Server{
		Addr:            addr,
		CanonicalAddr:   addr,
		LastUpdateTime:  time.Now().UTC(),
		MaxBatchCount:   defaultMaxBatchCount,
		MaxDocumentSize: defaultMaxDocumentSize,
		MaxMessageSize:  defaultMaxMessageSize,
	}
	elements, err := response.Elements()
	if err != nil {
		desc.LastError = err
		return desc
	}

	var ok, isReplicaSet, isWritablePrimary, hidden, secondary, arbiterOnly bool
	var msg string
	var versionRange VersionRange
	for _, element := range elements {
		switch element.Key() {
		case "arbiters":
			desc.Arbiters, err = decodeStringSliceAsAddresses(element, "arbiters")
			if err != nil {
				desc.LastError = err
				return desc
			}
		case "arbiterOnly":
			arbiterOnly, ok = element.Value().BooleanOK()
			if !ok {
				desc.LastError = fmt.Errorf("expected 'arbiterOnly' to be a boolean but it's a BSON %s", element.Value().Type)
				return desc
			}
		case "compression":
			desc.Compression, err = decodeStringSlice(element, "compression")
			if err != nil {
				desc.LastError = err
				return desc
			}
		case "electionId":
			if element.Value().Type != bsoncore.TypeObjectID || len(element.Value().Data) < 12 {
				desc.LastError = fmt.Errorf("expected 'electionId' to be an objectID but it's a BSON %s", element.Value().Type)
				return desc
			}
			copy(desc.ElectionID[:], element.Value().Data[:12])
			desc.ElectionIDSet = true
		case "iscryptd":
			desc.IsCryptd, ok = element.Value().BooleanOK()
			if !ok {
				desc.LastError = fmt.Errorf("expected 'iscryptd' to be a boolean but it's a BSON %s", element.Value().Type)
				return desc
			}
		case "helloOk":
			desc.HelloOK, ok = element.Value().BooleanOK()
			if !ok {
				desc.LastError = fmt.Errorf("expected 'helloOk' to be a boolean but it's a BSON %s", element.Value().Type)
				return desc
			}
		case "hidden":
			hidden, ok = element.Value().BooleanOK()
			if !ok {
				desc.LastError = fmt.Errorf("expected 'hidden' to be a boolean but it's a BSON %s", element.Value().Type)
				return desc
			}
		case "hosts":
			desc.Hosts, err = decodeStringSliceAsAddresses(element, "hosts")
			if err != nil {
				desc.LastError = err
				return desc
			}
		case "isWritablePrimary", "ismaster":
			isWritablePrimary, ok = element.Value().BooleanOK()
			if !ok {
				desc.LastError = fmt.Errorf("expected %q to be a boolean but it's a BSON %s", element.Key(), element.Value().Type)
				return desc
			}
		case "isreplicaset":
			isReplicaSet, ok = element.Value().BooleanOK()
			if !ok {
				desc.LastError = fmt.Errorf("expected 'isreplicaset' to be a boolean but it's a BSON %s", element.Value().Type)
				return desc
			}
		case "lastWrite":
			lastWrite, ok := element.Value().DocumentOK()
			if !ok {
				desc.LastError = fmt.Errorf("expected 'lastWrite' to be a document but it's a BSON %s", element.Value().Type)
				return desc
			}
			dateTime, err := lastWrite.LookupErr("lastWriteDate")
			if err == nil {
				dt, ok := dateTime.DateTimeOK()
				if !ok {
					desc.LastError = fmt.Errorf("expected 'lastWriteDate' to be a datetime but it's a BSON %s", dateTime.Type)
					return desc
				}
				desc.LastWriteTime = time.Unix(dt/1000, dt%1000*1000000).UTC()
			}
		case "logicalSessionTimeoutMinutes":
			i64, ok := element.Value().AsInt64OK()
			if !ok {
				desc.LastError = fmt.Errorf("expected 'logicalSessionTimeoutMinutes' to be an integer but it's a BSON %s", element.Value().Type)
				return desc
			}
			desc.SessionTimeoutMinutes = &i64
		case "maxBsonObjectSize":
			i64, ok := element.Value().AsInt64OK()
			if !ok {
				desc.LastError = fmt.Errorf("expected 'maxBsonObjectSize' to be an integer but it's a BSON %s", element.Value().Type)
				return desc
			}
			desc.MaxDocumentSize = uint32(i64)
		case "maxMessageSizeBytes":
			i64, ok := element.Value().AsInt64OK()
			if !ok {
				desc.LastError = fmt.Errorf("expected 'maxMessageSizeBytes' to be an integer but it's a BSON %s", element.Value().Type)
				return desc
			}
			desc.MaxMessageSize = uint32(i64)
		case "maxWriteBatchSize":
			i64, ok := element.Value().AsInt64OK()
			if !ok {
				desc.LastError = fmt.Errorf("expected 'maxWriteBatchSize' to be an integer but it's a BSON %s", element.Value().Type)
				return desc
			}
			desc.MaxBatchCount = uint32(i64)
		case "me":
			me, ok := element.Value().StringValueOK()
			if !ok {
				desc.LastError = fmt.Errorf("expected 'me' to be a string but it's a BSON %s", element.Value().Type)
				return desc
			}
			desc.CanonicalAddr = address.Address(me).Canonicalize()
		case "maxWireVersion":
			versionRange.Max, ok = asInt32(element.Value())
			if !ok {
				desc.LastError = fmt.Errorf("expected 'maxWireVersion' to be an integer but it's a BSON %s", element.Value().Type)
				return desc
			}
		case "minWireVersion":
			versionRange.Min, ok = asInt32(element.Value())
			if !ok {
				desc.LastError = fmt.Errorf("expected 'minWireVersion' to be an integer but it's a BSON %s", element.Value().Type)
				return desc
			}
		case "msg":
			msg, ok = element.Value().StringValueOK()
			if !ok {
				desc.LastError = fmt.Errorf("expected 'msg' to be a string but it's a BSON %s", element.Value().Type)
				return desc
			}
		case "passives":
			desc.Passives, err = decodeStringSliceAsAddresses(element, "passives")
			if err != nil {
				desc.LastError = err
				return desc
			}
		case "primary":
			primary, ok := element.Value().StringValueOK()
			if !ok {
				desc.LastError = fmt.Errorf("expected 'primary' to be a string but it's a BSON %s", element.Value().Type)
				return desc
			}
			desc.Primary = address.Address(primary).Canonicalize()
		case "readOnly":
			desc.ReadOnly, ok = element.Value().BooleanOK()
			if !ok {
				desc.LastError = fmt.Errorf("expected 'readOnly' to be a boolean but it's a BSON %s", element.Value().Type)
				return desc
			}
		case "secondary":
			secondary, ok = element.Value().BooleanOK()
			if !ok {
				desc.LastError = fmt.Errorf("expected 'secondary' to be a boolean but it's a BSON %s", element.Value().Type)
				return desc
			}
		case "serviceId":
			if element.Value().Type != bsoncore.TypeObjectID || len(element.Value().Data) < 12 {
				desc.LastError = fmt.Errorf("expected 'serviceId' to be an objectID but it's a BSON %s", element.Value().Type)
				return desc
			}
			var sid ObjectID
			copy(sid[:], element.Value().Data[:12])
			desc.ServiceID = &sid
		case "setName":
			desc.SetName, ok = element.Value().StringValueOK()
			if !ok {
				desc.LastError = fmt.Errorf("expected 'setName' to be a string but it's a BSON %s", element.Value().Type)
				return desc
			}
		case "setVersion":
			i64, ok := element.Value().AsInt64OK()
			if !ok {
				desc.LastError = fmt.Errorf("expected 'setVersion' to be an integer but it's a BSON %s", element.Value().Type)
				return desc
			}
			desc.SetVersion = uint32(i64)
		case "tags":
			m, err := decodeStringMap(element, "tags")
			if err != nil {
				desc.LastError = err
				return desc
			}
			desc.Tags = tag.NewTagSetFromMap(m)
		case "topologyVersion":
			doc, ok := element.Value().DocumentOK()
			if !ok {
				desc.LastError = fmt.Errorf("expected 'topologyVersion' to be a document but it's a BSON %s", element.Value().Type)
				return desc
			}
			desc.TopologyVersion = NewTopologyVersion(doc)
		}
	}

	for _, host := range desc.Hosts {
		desc.Members = append(desc.Members, host.Canonicalize())
	}
	for _, passive := range desc.Passives {
		desc.Members = append(desc.Members, passive.Canonicalize())
	}
	for _, arbiter := range desc.Arbiters {
		desc.Members = append(desc.Members, arbiter.Canonicalize())
	}

	desc.Kind = Standalone

	switch {
	case isReplicaSet:
		desc.Kind = RSGhost
	case desc.SetName != "":
		switch {
		case isWritablePrimary && desc.CanonicalAddr == addr:
			desc.Kind = RSPrimary
		case isWritablePrimary:
			// "me" does not match the address used to connect; the member
			// cannot be trusted as primary.
			desc.Kind = Unknown
		case hidden:
			desc.Kind = RSMember
		case secondary:
			desc.Kind = RSSecondary
		case arbiterOnly:
			desc.Kind = RSArbiter
		default:
			desc.Kind = RSMember
		}
	case msg == "isdbgrid":
		desc.Kind = Mongos
	}

	desc.WireVersion = &versionRange

	return desc
}

// NewTopologyVersion creates a TopologyVersion based on doc, or nil if doc is
// malformed.
func NewTopologyVersion(doc bsoncore.Document) *TopologyVersion {
	elements, err := doc.Elements()
	if err != nil {
		return nil
	}
	var tv TopologyVersion
	var foundProcessID, foundCounter bool
	for _, element := range elements {
		switch element.Key() {
		case "processId":
			if element.Value().Type != bsoncore.TypeObjectID || len(element.Value().Data) < 12 {
				return nil
			}
			copy(tv.ProcessID[:], element.Value().Data[:12])
			foundProcessID = true
		case "counter":
			tv.Counter, foundCounter = element.Value().Int64OK()
		}
	}
	if !foundProcessID || !foundCounter {
		return nil
	}
	return &tv
}

// SetAverageRTT sets the average round trip time.
func (s Server) SetAverageRTT(rtt time.Duration) Server {
	s.AverageRTT = rtt
	s.AverageRTTSet = true
	return s
}

// DataBearing returns true if the server is in a state that is suitable for
// reading non-monitoring data.
func (s Server) DataBearing() bool {
	return s.Kind.DataBearing()
}

// SelectServer selects this server if it is in the list of given candidates.
func (s Server) SelectServer(_ Topology, candidates []Server) ([]Server, error) {
	for _, candidate := range candidates {
		if candidate.Addr.String() == s.Addr.String() {
			return []Server{candidate}, nil
		}
	}
	return nil, nil
}

// String implements the Stringer interface.
func (s Server) String() string {
	str := fmt.Sprintf("Addr: %s, Type: %s", s.Addr, s.Kind)
	if len(s.Tags) != 0 {
		str += fmt.Sprintf(", Tag sets: %v", s.Tags)
	}
	if s.AverageRTTSet {
		str += fmt.Sprintf(", Average RTT: %d", s.AverageRTT)
	}
	if s.LastError != nil {
		str += fmt.Sprintf(", Last error: %s", s.LastError)
	}

	return str
}

func decodeStringSlice(element bsoncore.Element, name string) ([]string, error) {
	arr, ok := element.Value().ArrayOK()
	if !ok {
		return nil, fmt.Errorf("expected %q to be an array but it's a BSON %s", name, element.Value().Type)
	}
	vals, err := arr.Values()
	if err != nil {
		return nil, err
	}
	var strs []string
	for _, val := range vals {
		str, ok := val.StringValueOK()
		if !ok {
			return nil, fmt.Errorf("expected %q to be an array of strings, but found a BSON %s", name, val.Type)
		}
		strs = append(strs, str)
	}
	return strs, nil
}

func decodeStringSliceAsAddresses(element bsoncore.Element, name string) ([]address.Address, error) {
	strs, err := decodeStringSlice(element, name)
	if err != nil {
		return nil, err
	}
	addrs := make([]address.Address, 0, len(strs))
	for _, str := range strs {
		addrs = append(addrs, address.Address(str).Canonicalize())
	}
	return addrs, nil
}

func decodeStringMap(element bsoncore.Element, name string) (map[string]string, error) {
	doc, ok := element.Value().DocumentOK()
	if !ok {
		return nil, fmt.Errorf("expected %q to be a document but it's a BSON %s", name, element.Value().Type)
	}
	elements, err := doc.Elements()
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, element := range elements {
		key := element.Key()
		value, ok := element.Value().StringValueOK()
		if !ok {
			return nil, fmt.Errorf("expected %q to be a document of strings, but found a BSON %s", name, element.Value().Type)
		}
		m[key] = value
	}
	return m, nil
}

func asInt32(v bsoncore.Value) (int32, bool) {
	i64, ok := v.AsInt64OK()
	if !ok {
		return 0, false
	}
	return int32(i64), true
}
