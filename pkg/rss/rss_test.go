package rss

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/user/sluice"
	"github.com/user/sluice/pkg/message"
)

func TestBacklogEvictsOldest(t *testing.T) {
	d := New("d_rss", Config{Backlog: 3}, nil, nil)
	if err := d.Init(); err != nil {
		t.Fatal(err)
	}

	var msgs []*message.LogMessage
	for i := 0; i < 5; i++ {
		msg := message.New(fmt.Sprintf("line %d", i))
		msgs = append(msgs, msg)
		ack := sluice.NewAck(nil)
		d.Queue(msg.Ref(), sluice.DeliveryOptions{Ack: ack})
		if !ack.Signaled() {
			t.Fatalf("message %d not acknowledged", i)
		}
	}
	if d.Len() != 3 {
		t.Fatalf("expected 3 messages in the backlog, got %d", d.Len())
	}
	if msgs[0].Refs() != 1 {
		t.Errorf("evicted message still referenced: %d", msgs[0].Refs())
	}

	f := d.render("http://localhost/")
	if len(f.Items) != 3 || f.Items[0].Id != "2" || f.Items[2].Title != "line 4" {
		t.Errorf("unexpected feed items %+v", f.Items)
	}

	if err := d.Deinit(); err != nil {
		t.Fatal(err)
	}
	d.Free()
	if msgs[4].Refs() != 1 {
		t.Errorf("backlog reference leaked: %d", msgs[4].Refs())
	}
}

func TestServeAtom(t *testing.T) {
	d := New("d_rss", Config{}, nil, nil)
	if err := d.Init(); err != nil {
		t.Fatal(err)
	}
	defer d.Deinit()
	d.Queue(message.New("disk full"), sluice.DeliveryOptions{})

	srv := httptest.NewServer(d)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/atom+xml" {
		t.Errorf("unexpected content type %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)

	var got struct {
		Title   string `xml:"title"`
		Entries []struct {
			ID      string `xml:"id"`
			Title   string `xml:"title"`
			Summary string `xml:"summary"`
		} `xml:"entry"`
	}
	if err := xml.Unmarshal(body, &got); err != nil {
		t.Fatalf("invalid feed: %v\n%s", err, body)
	}
	if got.Title != "sluice" {
		t.Errorf("unexpected feed title %q", got.Title)
	}
	if len(got.Entries) != 1 || got.Entries[0].Summary != "disk full" || got.Entries[0].ID != "0" {
		t.Errorf("unexpected feed %+v", got)
	}
}

func TestListen(t *testing.T) {
	d := New("d_rss", Config{Addr: "127.0.0.1:0"}, nil, nil)
	if err := d.Init(); err != nil {
		t.Fatal(err)
	}
	d.Queue(message.New("hello"), sluice.DeliveryOptions{})

	resp, err := http.Get("http://" + d.Addr().String() + "/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("unexpected status %d", resp.StatusCode)
	}

	if err := d.Deinit(); err != nil {
		t.Fatal(err)
	}
	if _, err := http.Get("http://" + resp.Request.URL.Host + "/"); err == nil {
		t.Error("expected server to be shut down")
	}
}
