package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

// mockSender records outbound messages.
type mockSender struct {
	sent []sentMessage
	err  error
}

type sentMessage struct {
	to   string
	body string
}

func (m *mockSender) SendMessage(ctx context.Context, to string, body string) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMessage{to: to, body: body})
	return nil
}

func TestValidateAndCanonicalizeRecipient(t *testing.T) {
	svc := NewTwilioService(&mockSender{})
	tests := []struct {
		name      string
		recipient string
		expected  string
		wantErr   bool
	}{
		{"plain digits", "14165551234", "14165551234", false},
		{"plus prefix", "+14165551234", "14165551234", false},
		{"formatted", "(416) 555-1234", "4165551234", false},
		{"empty", "", "", true},
		{"no digits", "not-a-number", "", true},
		{"too short", "12345", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			canonical, err := svc.ValidateAndCanonicalizeRecipient(tt.recipient)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr = %v", err, tt.wantErr)
			}
			if canonical != tt.expected {
				t.Errorf("canonical = %q, want %q", canonical, tt.expected)
			}
		})
	}
}

func TestTwilioServiceSendMessage(t *testing.T) {
	sender := &mockSender{}
	svc := NewTwilioService(sender)

	if err := svc.SendMessage(context.Background(), "+1 (416) 555-1234", "your appointment is booked"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("got %d sent messages, want 1", len(sender.sent))
	}
	if sender.sent[0].to != "14165551234" {
		t.Errorf("recipient not canonicalized: %q", sender.sent[0].to)
	}
}

func TestTwilioServiceSendAfterStop(t *testing.T) {
	svc := NewTwilioService(&mockSender{})
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := svc.SendMessage(context.Background(), "14165551234", "hello"); err != ErrServiceStopped {
		t.Errorf("send after stop = %v, want ErrServiceStopped", err)
	}
	// Stop is idempotent.
	if err := svc.Stop(); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}
}

func TestTwilioServiceEmitInbound(t *testing.T) {
	svc := NewTwilioService(&mockSender{})
	defer svc.Stop()

	svc.EmitInbound(models.InboundMessage{From: "14165551234", Body: "hi", Time: time.Now().Unix()})

	select {
	case msg := <-svc.Responses():
		if msg.From != "14165551234" || msg.Body != "hi" {
			t.Errorf("unexpected message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("inbound message not delivered")
	}
}

func TestTwilioServiceEmitInboundNeverBlocks(t *testing.T) {
	svc := NewTwilioService(&mockSender{})
	defer svc.Stop()

	// Overfill the buffer; the excess must be dropped, not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < DefaultChannelBufferSize+10; i++ {
			svc.EmitInbound(models.InboundMessage{From: "14165551234", Body: "msg"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("EmitInbound blocked on a full channel")
	}
}

func TestTwilioServiceEmitAfterStopDrops(t *testing.T) {
	svc := NewTwilioService(&mockSender{})
	svc.Stop()
	// Must not panic on the closed channel.
	svc.EmitInbound(models.InboundMessage{From: "14165551234", Body: "late"})
}
