// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sasl

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/absmach/testbroker/amqp1/types"
)

// SASL frame descriptors.
const (
	DescriptorMechanisms uint64 = 0x40
	DescriptorInit       uint64 = 0x41
	DescriptorChallenge  uint64 = 0x42
	DescriptorResponse   uint64 = 0x43
	DescriptorOutcome    uint64 = 0x44
)

// SASL outcome codes.
const (
	CodeOK      uint8 = 0
	CodeAuth    uint8 = 1 // authentication failed
	CodeSys     uint8 = 2 // system error
	CodeSysTemp uint8 = 4 // temporary system error
)

// Mechanism names.
const (
	MechPLAIN     types.Symbol = "PLAIN"
	MechANONYMOUS types.Symbol = "ANONYMOUS"
)

var errPLAINFormat = errors.New("invalid PLAIN response")

// Mechanisms is sent by the server to advertise what it accepts.
type Mechanisms struct {
	Mechanisms []types.Symbol
}

func (m *Mechanisms) Encode() ([]byte, error) {
	var f types.Fields
	f.Symbols(m.Mechanisms)
	return types.DescribedList(DescriptorMechanisms, &f)
}

// Init is the client's mechanism choice and initial response.
type Init struct {
	Mechanism       types.Symbol
	InitialResponse []byte
	Hostname        string
}

func (i *Init) Encode() ([]byte, error) {
	var f types.Fields
	f.Symbol(i.Mechanism)
	f.OptBinary(i.InitialResponse)
	f.String(i.Hostname)
	return types.DescribedList(DescriptorInit, &f)
}

// Outcome ends the exchange.
type Outcome struct {
	Code           uint8
	AdditionalData []byte
}

func (o *Outcome) Encode() ([]byte, error) {
	var f types.Fields
	f.Ubyte(o.Code)
	f.OptBinary(o.AdditionalData)
	return types.DescribedList(DescriptorOutcome, &f)
}

// DecodeSASL decodes a SASL frame body. Challenge and response frames are
// not used by the supported mechanisms and decode as errors.
func DecodeSASL(body []byte) (uint64, any, error) {
	code, fields, err := types.NewReader(body).ReadDescribedList()
	if err != nil {
		return 0, nil, err
	}

	switch code {
	case DescriptorMechanisms:
		return code, &Mechanisms{Mechanisms: types.AsSymbols(types.Field(fields, 0))}, nil
	case DescriptorInit:
		i := &Init{
			Mechanism: types.Symbol(types.AsString(types.Field(fields, 0))),
			Hostname:  types.AsString(types.Field(fields, 2)),
		}
		if resp, ok := types.Field(fields, 1).([]byte); ok {
			i.InitialResponse = resp
		}
		return code, i, nil
	case DescriptorOutcome:
		o := &Outcome{Code: CodeSys}
		if c, ok := types.Field(fields, 0).(uint8); ok {
			o.Code = c
		}
		if data, ok := types.Field(fields, 1).([]byte); ok {
			o.AdditionalData = data
		}
		return code, o, nil
	default:
		return code, nil, fmt.Errorf("unexpected SASL frame 0x%02x", code)
	}
}

// ParsePLAIN splits a PLAIN initial response of the form
// authzid NUL authcid NUL passwd. The authzid may be empty.
func ParsePLAIN(response []byte) (authzID, username, password string, err error) {
	parts := bytes.Split(response, []byte{0})
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("%w: %d fields", errPLAINFormat, len(parts))
	}
	if len(parts[1]) == 0 {
		return "", "", "", fmt.Errorf("%w: empty username", errPLAINFormat)
	}
	return string(parts[0]), string(parts[1]), string(parts[2]), nil
}

// PLAINResponse builds a PLAIN initial response with an empty authzid.
func PLAINResponse(username, password string) []byte {
	b := make([]byte, 0, len(username)+len(password)+2)
	b = append(b, 0)
	b = append(b, username...)
	b = append(b, 0)
	return append(b, password...)
}

// Authenticator decides whether a SASL init is acceptable.
type Authenticator struct {
	User     string
	Password string
}

// Offered returns the mechanisms to advertise. With a configured user only
// PLAIN is offered.
func (a Authenticator) Offered() []types.Symbol {
	if a.User != "" {
		return []types.Symbol{MechPLAIN}
	}
	return []types.Symbol{MechANONYMOUS, MechPLAIN}
}

// Authenticate checks init and returns the authenticated identity.
func (a Authenticator) Authenticate(init *Init) (string, uint8) {
	switch init.Mechanism {
	case MechANONYMOUS:
		if a.User != "" {
			return "", CodeAuth
		}
		return "anonymous", CodeOK
	case MechPLAIN:
		_, user, pass, err := ParsePLAIN(init.InitialResponse)
		if err != nil {
			return "", CodeAuth
		}
		if a.User != "" && (user != a.User || pass != a.Password) {
			return "", CodeAuth
		}
		return user, CodeOK
	default:
		return "", CodeAuth
	}
}
