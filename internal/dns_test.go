package internal

import (
	"encoding/binary"
	"testing"
)

func dnsHeader(id, flags, qd, an uint16) []byte {
	b := make([]byte, dnsHeaderLen)
	binary.BigEndian.PutUint16(b[0:2], id)
	binary.BigEndian.PutUint16(b[2:4], flags)
	binary.BigEndian.PutUint16(b[4:6], qd)
	binary.BigEndian.PutUint16(b[6:8], an)
	return b
}

func encodeLabels(name string) []byte {
	var out []byte
	start := 0
	for i := 0; i <= len(name); i++ {
		if i == len(name) || name[i] == '.' {
			if i > start {
				out = append(out, byte(i-start))
				out = append(out, name[start:i]...)
			}
			start = i + 1
		}
	}
	out = append(out, 0)
	return out
}

func TestParseDNSQuery_Simple(t *testing.T) {
	payload := dnsHeader(0x1234, 0x0100, 1, 0)
	payload = append(payload, encodeLabels("ads.example")...)
	payload = append(payload, 0x00, 0x01, 0x00, 0x01) // A, IN

	q, err := ParseDNSQuery(payload)
	if err != nil {
		t.Fatalf("ParseDNSQuery: %v", err)
	}
	if q.Name != "ads.example" {
		t.Fatalf("name = %q", q.Name)
	}
	if q.Type != dnsTypeA {
		t.Fatalf("type = %d", q.Type)
	}
}

func TestParseDNSResponse_ARecord(t *testing.T) {
	payload := dnsHeader(0x1234, 0x8180, 1, 1)
	payload = append(payload, encodeLabels("example.com")...)
	payload = append(payload, 0x00, 0x01, 0x00, 0x01) // QTYPE=A QCLASS=IN

	// Answer: pointer to offset 12 (the question name), type A, ttl 300, rdlen 4
	payload = append(payload, 0xc0, 0x0c)
	payload = append(payload, 0x00, 0x01, 0x00, 0x01)
	ttl := make([]byte, 4)
	binary.BigEndian.PutUint32(ttl, 300)
	payload = append(payload, ttl...)
	payload = append(payload, 0x00, 0x04)
	payload = append(payload, 198, 51, 100, 7)

	resp, err := ParseDNSResponse(payload)
	if err != nil {
		t.Fatalf("ParseDNSResponse: %v", err)
	}
	if len(resp.Answers) != 1 {
		t.Fatalf("answers = %d", len(resp.Answers))
	}
	a := resp.Answers[0]
	if a.Name != "example.com" {
		t.Fatalf("answer name = %q", a.Name)
	}
	if a.Addr != "198.51.100.7" {
		t.Fatalf("addr = %q", a.Addr)
	}
	if a.TTL != 300 {
		t.Fatalf("ttl = %d", a.TTL)
	}
}

func TestParseDNSResponse_AAAARecord(t *testing.T) {
	payload := dnsHeader(1, 0x8180, 0, 1)
	payload = append(payload, encodeLabels("v6.example")...)
	payload = append(payload, 0x00, 0x1c, 0x00, 0x01)
	payload = append(payload, 0x00, 0x00, 0x00, 0x3c) // ttl 60
	payload = append(payload, 0x00, 0x10)             // rdlen 16
	addr := []byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}
	payload = append(payload, addr...)

	resp, err := ParseDNSResponse(payload)
	if err != nil {
		t.Fatalf("ParseDNSResponse: %v", err)
	}
	want := "2001:db8:0:0:0:0:0:1"
	if resp.Answers[0].Addr != want {
		t.Fatalf("addr = %q want %q", resp.Answers[0].Addr, want)
	}
}

func TestParseDNSResponse_NonAddressRecordSkipped(t *testing.T) {
	payload := dnsHeader(1, 0x8180, 0, 1)
	payload = append(payload, encodeLabels("cname.example")...)
	payload = append(payload, 0x00, 0x05, 0x00, 0x01) // CNAME
	payload = append(payload, 0x00, 0x00, 0x00, 0x3c)
	rdata := encodeLabels("target.example")
	payload = append(payload, byte(len(rdata)>>8), byte(len(rdata)))
	payload = append(payload, rdata...)

	resp, err := ParseDNSResponse(payload)
	if err != nil {
		t.Fatalf("ParseDNSResponse: %v", err)
	}
	if resp.Answers[0].Addr != "" {
		t.Fatalf("expected empty addr for CNAME, got %q", resp.Answers[0].Addr)
	}
}

func TestDecodeName_ForwardThenBackPointer(t *testing.T) {
	msg := dnsHeader(0, 0, 0, 0)
	// offset 12: "back" target used by a back-pointer later.
	backOff := len(msg)
	msg = append(msg, encodeLabels("back")...)

	// offset X: a name that is a pointer forward to a label at offset Y,
	// which in turn ends with a pointer back to backOff.
	fwdOff := len(msg)
	yLabelOff := fwdOff + 2 // after this 2-byte pointer
	msg = append(msg, 0xc0|byte(yLabelOff>>8), byte(yLabelOff))

	// offset Y: one label "front" then a pointer back to backOff.
	msg = append(msg, 5, 'f', 'r', 'o', 'n', 't')
	msg = append(msg, 0xc0|byte(backOff>>8), byte(backOff))

	name, next, err := decodeName(msg, fwdOff)
	if err != nil {
		t.Fatalf("decodeName: %v", err)
	}
	if name != "front.back" {
		t.Fatalf("name = %q", name)
	}
	if next != fwdOff+2 {
		t.Fatalf("next = %d want %d (must resume after the first pointer, not follow it)", next, fwdOff+2)
	}
}

func TestDecodeName_LoopHitsJumpLimit(t *testing.T) {
	msg := dnsHeader(0, 0, 0, 0)
	// Two pointers that point at each other forever.
	pA := len(msg)
	pB := pA + 2
	msg = append(msg, 0xc0|byte(pB>>8), byte(pB))
	msg = append(msg, 0xc0|byte(pA>>8), byte(pA))

	if _, _, err := decodeName(msg, pA); err != ErrDNSMalformed {
		t.Fatalf("expected ErrDNSMalformed on pointer loop, got %v", err)
	}
}

func TestDecodeName_PointerPastEndOfMessage(t *testing.T) {
	msg := dnsHeader(0, 0, 0, 0)
	off := len(msg)
	msg = append(msg, 0xc0, 0xff) // points far past the message

	if _, _, err := decodeName(msg, off); err != ErrDNSMalformed {
		t.Fatalf("expected ErrDNSMalformed, got %v", err)
	}
}

func TestParseDNSQuery_RejectsShort(t *testing.T) {
	if _, err := ParseDNSQuery([]byte{1, 2, 3}); err != ErrDNSMalformed {
		t.Fatalf("expected ErrDNSMalformed, got %v", err)
	}
}
