package frames

import (
	"errors"
	"fmt"

	"github.com/skiff-io/amqp/internal/buffer"
	"github.com/skiff-io/amqp/internal/encoding"
)

// SASL Codes
const (
	CodeSASLOK      SASLCode = iota // Connection authentication succeeded.
	CodeSASLAuth                    // Connection authentication failed due to an unspecified problem with the supplied credentials.
	CodeSASLSys                     // Connection authentication failed due to a system error.
	CodeSASLSysPerm                 // Connection authentication failed due to a system error that is unlikely to be corrected without intervention.
	CodeSASLSysTemp                 // Connection authentication failed due to a transient system error.
)

// SASLCode is the result of the SASL exchange.
type SASLCode uint8

func (s SASLCode) Marshal(wr *buffer.Buffer) error {
	return encoding.Marshal(wr, uint8(s))
}

func (s *SASLCode) Unmarshal(r *buffer.Buffer) error {
	n, err := encoding.ReadUbyte(r)
	*s = SASLCode(n)
	return err
}

/*
<type name="sasl-mechanisms" class="composite" source="list" provides="sasl-frame">
    <descriptor name="amqp:sasl-mechanisms:list" code="0x00000000:0x00000040"/>
    <field name="sasl-server-mechanisms" type="symbol" multiple="true" mandatory="true"/>
</type>
*/

type SASLMechanisms struct {
	Mechanisms encoding.MultiSymbol
}

func (m *SASLMechanisms) frameBody() {}

func (m *SASLMechanisms) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLMechanism, []encoding.MarshalField{
		{Value: m.Mechanisms, Omit: false},
	})
}

func (m *SASLMechanisms) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeSASLMechanism,
		encoding.UnmarshalField{Field: &m.Mechanisms, HandleNull: func() error { return errors.New("SASLMechanisms.Mechanisms is required") }},
	)
}

func (m *SASLMechanisms) String() string {
	return fmt.Sprintf("SASLMechanisms{Mechanisms : %v}", m.Mechanisms)
}

/*
<type name="sasl-init" class="composite" source="list" provides="sasl-frame">
    <descriptor name="amqp:sasl-init:list" code="0x00000000:0x00000041"/>
    <field name="mechanism" type="symbol" mandatory="true"/>
    <field name="initial-response" type="binary"/>
    <field name="hostname" type="string"/>
</type>
*/

type SASLInit struct {
	Mechanism       encoding.Symbol
	InitialResponse []byte
	Hostname        string
}

func (i *SASLInit) frameBody() {}

func (i *SASLInit) Marshal(wr *buffer.Buffer) error {
	// mechanism is encoded as a symbol, the initial response as binary.
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLInit, []encoding.MarshalField{
		{Value: &i.Mechanism, Omit: false},
		{Value: &i.InitialResponse, Omit: len(i.InitialResponse) == 0},
		{Value: &i.Hostname, Omit: len(i.Hostname) == 0},
	})
}

func (i *SASLInit) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeSASLInit, []encoding.UnmarshalField{
		{Field: &i.Mechanism, HandleNull: func() error { return errors.New("SASLInit.Mechanism is required") }},
		{Field: &i.InitialResponse},
		{Field: &i.Hostname},
	}...)
}

func (i *SASLInit) String() string {
	// Elide the InitialResponse as it may contain a plain text secret.
	return fmt.Sprintf("SASLInit{Mechanism : %s, InitialResponse: ********, Hostname: %s}",
		i.Mechanism,
		i.Hostname,
	)
}

/*
<type name="sasl-challenge" class="composite" source="list" provides="sasl-frame">
    <descriptor name="amqp:sasl-challenge:list" code="0x00000000:0x00000042"/>
    <field name="challenge" type="binary" mandatory="true"/>
</type>
*/

type SASLChallenge struct {
	Challenge []byte
}

func (c *SASLChallenge) frameBody() {}

func (c *SASLChallenge) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLChallenge, []encoding.MarshalField{
		{Value: &c.Challenge, Omit: false},
	})
}

func (c *SASLChallenge) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeSASLChallenge,
		encoding.UnmarshalField{Field: &c.Challenge, HandleNull: func() error { return errors.New("SASLChallenge.Challenge is required") }},
	)
}

func (c *SASLChallenge) String() string {
	return "Challenge{Challenge: ********}"
}

/*
<type name="sasl-response" class="composite" source="list" provides="sasl-frame">
    <descriptor name="amqp:sasl-response:list" code="0x00000000:0x00000043"/>
    <field name="response" type="binary" mandatory="true"/>
</type>
*/

type SASLResponse struct {
	Response []byte
}

func (r *SASLResponse) frameBody() {}

func (r *SASLResponse) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLResponse, []encoding.MarshalField{
		{Value: &r.Response, Omit: false},
	})
}

func (r *SASLResponse) Unmarshal(rd *buffer.Buffer) error {
	return encoding.UnmarshalComposite(rd, encoding.TypeCodeSASLResponse,
		encoding.UnmarshalField{Field: &r.Response, HandleNull: func() error { return errors.New("SASLResponse.Response is required") }},
	)
}

func (r *SASLResponse) String() string {
	return "Response{Response: ********}"
}

/*
<type name="sasl-outcome" class="composite" source="list" provides="sasl-frame">
    <descriptor name="amqp:sasl-outcome:list" code="0x00000000:0x00000044"/>
    <field name="code" type="sasl-code" mandatory="true"/>
    <field name="additional-data" type="binary"/>
</type>
*/

type SASLOutcome struct {
	Code           SASLCode
	AdditionalData []byte
}

func (o *SASLOutcome) frameBody() {}

func (o *SASLOutcome) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLOutcome, []encoding.MarshalField{
		{Value: &o.Code, Omit: false},
		{Value: &o.AdditionalData, Omit: len(o.AdditionalData) == 0},
	})
}

func (o *SASLOutcome) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeSASLOutcome, []encoding.UnmarshalField{
		{Field: &o.Code, HandleNull: func() error { return errors.New("SASLOutcome.Code is required") }},
		{Field: &o.AdditionalData},
	}...)
}

func (o *SASLOutcome) String() string {
	return fmt.Sprintf("SASLOutcome{Code : %v, AdditionalData: %v}",
		o.Code,
		o.AdditionalData,
	)
}
