package sbe

import (
	"errors"
	"strings"
	"testing"

	"buildweaver/internal/builderr"
	"buildweaver/internal/xsd"
)

const header = `
    <types>
        <composite name="messageHeader">
            <type name="blockLength" primitiveType="uint16"/>
            <type name="templateId" primitiveType="uint16"/>
            <type name="schemaId" primitiveType="uint16"/>
            <type name="version" primitiveType="uint16"/>
        </composite>
        <composite name="varStringEncoding">
            <type name="length" primitiveType="uint32"/>
            <type name="varData" primitiveType="uint8" length="0" characterEncoding="UTF-8"/>
        </composite>
    </types>`

func load(t *testing.T, doc string, stop bool) (*Schema, error) {
	t.Helper()
	root, err := xsd.Parse("schema.xml", []byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return Load("schema.xml", root, stop)
}

func firstViolation(t *testing.T, err error) builderr.Violation {
	t.Helper()
	var verr *builderr.SchemaValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected SchemaValidationError, got %v", err)
	}
	return verr.First()
}

func TestLoad_MessagesAndLayout(t *testing.T) {
	doc := `<sbe:messageSchema xmlns:sbe="http://fixprotocol.io/2016/sbe" package="io.aeron.samples.cluster.protocol" id="101" version="3">` + header + `
    <sbe:message name="AddParticipantCommand" id="1">
        <field name="participantId" id="1" type="int64"/>
        <data name="correlationId" id="2" type="varStringEncoding"/>
        <data name="name" id="3" type="varStringEncoding"/>
    </sbe:message>
    <sbe:message name="CreateAuctionCommand" id="2">
        <field name="createdByParticipantId" id="1" type="int64"/>
        <field name="startTime" id="2" type="int64"/>
        <field name="endTime" id="3" type="int64"/>
        <data name="name" id="4" type="varStringEncoding"/>
    </sbe:message>
</sbe:messageSchema>`

	s, err := load(t, doc, true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Package != "io.aeron.samples.cluster.protocol" || s.ID != 101 || s.Version != 3 {
		t.Fatalf("unexpected schema attributes %+v", s)
	}
	if s.ByteOrder != LittleEndian {
		t.Fatalf("default byte order = %q", s.ByteOrder)
	}
	if s.HeaderSize() != 8 {
		t.Fatalf("header size = %d", s.HeaderSize())
	}
	if len(s.Messages) != 2 {
		t.Fatalf("messages = %d", len(s.Messages))
	}
	add, create := s.Messages[0], s.Messages[1]
	if add.Name != "AddParticipantCommand" || add.BlockLength != 8 || len(add.Data) != 2 {
		t.Fatalf("unexpected first message %+v", add)
	}
	if create.BlockLength != 24 || create.Fields[2].Offset != 16 {
		t.Fatalf("unexpected layout: block %d, endTime offset %d", create.BlockLength, create.Fields[2].Offset)
	}
}

func TestLoad_EnumsCompositesAndConstants(t *testing.T) {
	doc := `<sbe:messageSchema xmlns:sbe="http://fixprotocol.io/2016/sbe" id="102" byteOrder="bigEndian">` + header + `
    <types>
        <composite name="money">
            <type name="mantissa" primitiveType="int64"/>
            <type name="exponent" primitiveType="int8"/>
        </composite>
        <enum name="AuctionStatus" encodingType="int8">
            <validValue name="PRE_OPEN">0</validValue>
            <validValue name="OPEN">1</validValue>
        </enum>
        <type name="currencyCode" primitiveType="char" length="3"/>
        <type name="eventVersion" primitiveType="uint8" presence="constant">2</type>
    </types>
    <sbe:message name="AuctionUpdateEvent" id="10" blockLength="32">
        <field name="auctionId" id="1" type="int64"/>
        <field name="status" id="2" type="AuctionStatus"/>
        <field name="currentPrice" id="3" type="money"/>
        <field name="currency" id="4" type="currencyCode"/>
        <field name="eventVersion" id="5" type="eventVersion"/>
        <field name="bidCount" id="6" type="uint32" offset="24"/>
    </sbe:message>
</sbe:messageSchema>`

	s, err := load(t, doc, true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.ByteOrder != BigEndian {
		t.Fatalf("byte order = %q", s.ByteOrder)
	}
	m := s.Messages[0]
	wantOffsets := []int{0, 8, 9, 18, 21, 24}
	for i, f := range m.Fields {
		if f.Offset != wantOffsets[i] {
			t.Fatalf("field %s offset = %d, want %d", f.Name, f.Offset, wantOffsets[i])
		}
	}
	if m.BlockLength != 32 {
		t.Fatalf("block length = %d", m.BlockLength)
	}
	status := m.Fields[1].Type
	if status.Kind != KindEnum || len(status.Values) != 2 || status.Values[1].Name != "OPEN" {
		t.Fatalf("unexpected enum %+v", status)
	}
	if c := m.Fields[4].Type; c.Presence != Constant || c.ConstValue != "2" || c.Size() != 0 {
		t.Fatalf("unexpected constant %+v", c)
	}
}

func TestLoad_DuplicateMessageID(t *testing.T) {
	doc := `<sbe:messageSchema xmlns:sbe="http://fixprotocol.io/2016/sbe" id="1">` + header + `
    <sbe:message name="Ping" id="1"/>
    <sbe:message name="Pong" id="1"/>
</sbe:messageSchema>`
	_, err := load(t, doc, true)
	v := firstViolation(t, err)
	if v.Path != "/messageSchema/message[2]/@id" || !strings.Contains(v.Reason, "duplicate message id 1") {
		t.Fatalf("unexpected violation %v", v)
	}
}

func TestLoad_DuplicateMessageName(t *testing.T) {
	doc := `<sbe:messageSchema xmlns:sbe="http://fixprotocol.io/2016/sbe" id="1">` + header + `
    <sbe:message name="Ping" id="1"/>
    <sbe:message name="Ping" id="2"/>
</sbe:messageSchema>`
	_, err := load(t, doc, true)
	v := firstViolation(t, err)
	if v.Path != "/messageSchema/message[2]/@name" {
		t.Fatalf("unexpected violation %v", v)
	}
}

func TestLoad_UnknownFieldType(t *testing.T) {
	doc := `<sbe:messageSchema xmlns:sbe="http://fixprotocol.io/2016/sbe" id="1">` + header + `
    <sbe:message name="Pong" id="2">
        <field name="sequence" id="1" type="int64"/>
        <field name="latency" id="2" type="int128"/>
    </sbe:message>
</sbe:messageSchema>`
	_, err := load(t, doc, true)
	v := firstViolation(t, err)
	if v.Path != "/messageSchema/message[1]/field[2]/@type" || !strings.Contains(v.Reason, `"int128"`) {
		t.Fatalf("unexpected violation %v", v)
	}
}

func TestLoad_DataBeforeField(t *testing.T) {
	doc := `<sbe:messageSchema xmlns:sbe="http://fixprotocol.io/2016/sbe" id="1">` + header + `
    <sbe:message name="Note" id="3">
        <data name="text" id="1" type="varStringEncoding"/>
        <field name="sequence" id="2" type="int64"/>
    </sbe:message>
</sbe:messageSchema>`
	_, err := load(t, doc, true)
	v := firstViolation(t, err)
	if v.Path != "/messageSchema/message[1]/field[1]" || !strings.Contains(v.Reason, "after a data") {
		t.Fatalf("unexpected violation %v", v)
	}
}

func TestLoad_MissingHeader(t *testing.T) {
	doc := `<sbe:messageSchema xmlns:sbe="http://fixprotocol.io/2016/sbe" id="1">
    <types><type name="time" primitiveType="int64"/></types>
    <sbe:message name="Ping" id="1"/>
</sbe:messageSchema>`
	_, err := load(t, doc, true)
	v := firstViolation(t, err)
	if v.Path != "/messageSchema/types[1]" || !strings.Contains(v.Reason, "messageHeader") {
		t.Fatalf("unexpected violation %v", v)
	}
}

func TestLoad_CollectsAllWithoutStopOnFirst(t *testing.T) {
	doc := `<sbe:messageSchema xmlns:sbe="http://fixprotocol.io/2016/sbe" id="1">` + header + `
    <sbe:message name="A" id="1">
        <field name="x" id="1" type="nope"/>
    </sbe:message>
    <sbe:message name="B" id="1"/>
</sbe:messageSchema>`

	_, err := load(t, doc, true)
	var verr *builderr.SchemaValidationError
	if !errors.As(err, &verr) || len(verr.Violations) != 1 {
		t.Fatalf("expected one violation, got %v", err)
	}

	_, err = load(t, doc, false)
	if !errors.As(err, &verr) || len(verr.Violations) != 2 {
		t.Fatalf("expected two violations, got %v", err)
	}
	if verr.Violations[0].Line >= verr.Violations[1].Line {
		t.Fatalf("violations not in document order: %v", verr.Violations)
	}
}

func TestLoad_BadEnumValue(t *testing.T) {
	doc := `<sbe:messageSchema xmlns:sbe="http://fixprotocol.io/2016/sbe" id="1">` + header + `
    <types>
        <enum name="Side" encodingType="uint8">
            <validValue name="BUY">0</validValue>
            <validValue name="SELL">300</validValue>
        </enum>
    </types>
    <sbe:message name="A" id="1"/>
</sbe:messageSchema>`
	_, err := load(t, doc, true)
	v := firstViolation(t, err)
	if v.Path != "/messageSchema/types[2]/enum[1]/validValue[2]" {
		t.Fatalf("unexpected violation %v", v)
	}
}

func TestType_IsVarData(t *testing.T) {
	vd := &Type{Kind: KindComposite, Members: []*Type{
		{Name: "length", Kind: KindPrimitive, Primitive: Uint16, Length: 1},
		{Name: "varData", Kind: KindPrimitive, Primitive: Uint8, Length: 0},
	}}
	if !vd.IsVarData() {
		t.Fatalf("expected var data composite")
	}
	vd.Members[0].Primitive = Int16
	if vd.IsVarData() {
		t.Fatalf("signed length must not qualify")
	}
}
