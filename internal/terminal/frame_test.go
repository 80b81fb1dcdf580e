package terminal

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeCommand_Input(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"type":"input","data":"ls -la\n"}`))
	if err != nil {
		t.Fatalf("DecodeCommand: unexpected error: %v", err)
	}
	if cmd.Type != CmdInput {
		t.Errorf("Type = %q, want %q", cmd.Type, CmdInput)
	}
	if cmd.Data != "ls -la\n" {
		t.Errorf("Data = %q, want %q", cmd.Data, "ls -la\n")
	}
}

func TestDecodeCommand_Resize(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"type":"resize","rows":50,"cols":132}`))
	if err != nil {
		t.Fatalf("DecodeCommand: unexpected error: %v", err)
	}
	if cmd.Rows != 50 || cmd.Cols != 132 {
		t.Errorf("size = %dx%d, want 50x132", cmd.Rows, cmd.Cols)
	}
}

func TestDecodeCommand_Ping(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"type":"ping"}`))
	if err != nil {
		t.Fatalf("DecodeCommand: unexpected error: %v", err)
	}
	if cmd.Type != CmdPing {
		t.Errorf("Type = %q, want %q", cmd.Type, CmdPing)
	}
}

func TestDecodeCommand_Malformed(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"not json", "hello world"},
		{"truncated", `{"type":"input"`},
		{"unknown type", `{"type":"reboot"}`},
		{"missing type", `{"data":"x"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeCommand([]byte(tc.payload))
			if err == nil {
				t.Fatal("DecodeCommand: expected error, got nil")
			}
			if !errors.Is(err, ErrProtocol) {
				t.Errorf("error = %v, want ErrProtocol", err)
			}
		})
	}
}

func TestServerFrames(t *testing.T) {
	var f serverFrame

	if err := json.Unmarshal(PongFrame(), &f); err != nil || f.Type != "pong" {
		t.Errorf("PongFrame type = %q (err %v), want pong", f.Type, err)
	}

	if err := json.Unmarshal(InfoFrame("resized"), &f); err != nil || f.Type != "info" || f.Message != "resized" {
		t.Errorf("InfoFrame = %+v (err %v)", f, err)
	}

	if err := json.Unmarshal(ErrorFrame("gone"), &f); err != nil || f.Type != "error" || f.Message != "gone" {
		t.Errorf("ErrorFrame = %+v (err %v)", f, err)
	}

	f = serverFrame{}
	if err := json.Unmarshal(RefreshFrame(true), &f); err != nil {
		t.Fatalf("RefreshFrame: %v", err)
	}
	if f.Type != "refresh" || f.Fullscreen == nil || !*f.Fullscreen {
		t.Errorf("RefreshFrame = %+v, want refresh with fullscreen=true", f)
	}
}

func TestClampSize(t *testing.T) {
	cases := []struct {
		rows, cols         uint32
		wantRows, wantCols uint32
	}{
		{50, 132, 50, 132},
		{0, 0, 24, 80},
		{10, 200, 24, 200},
		{200, 10, 200, 80},
		{24, 80, 24, 80},
	}
	for _, tc := range cases {
		rows, cols := clampSize(tc.rows, tc.cols)
		if rows != tc.wantRows || cols != tc.wantCols {
			t.Errorf("clampSize(%d, %d) = (%d, %d), want (%d, %d)",
				tc.rows, tc.cols, rows, cols, tc.wantRows, tc.wantCols)
		}
	}
}
