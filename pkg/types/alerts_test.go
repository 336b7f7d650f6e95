package types

import "testing"

func TestEventRecordIdentityKey(t *testing.T) {
	tests := []struct {
		name    string
		ev      EventRecord
		want    string
		wantErr bool
	}{
		{"primary id wins", EventRecord{PrimaryID: "p1", UniqueKey: "u1"}, "id:p1", false},
		{"fallback to unique key", EventRecord{UniqueKey: "u1"}, "key:u1", false},
		{"no identity", EventRecord{Title: "x"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.ev.IdentityKey()
			if (err != nil) != tt.wantErr {
				t.Fatalf("IdentityKey() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("IdentityKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAlertDeliveryFlags(t *testing.T) {
	a := &Alert{}
	for _, ct := range ChannelTypes() {
		if a.Delivered(ct) {
			t.Errorf("new alert reports delivered for %s", ct)
		}
	}

	a.SetDelivered(ChannelDingTalk)
	if !a.Delivered(ChannelDingTalk) {
		t.Error("dingtalk flag not set")
	}
	if a.Delivered(ChannelWeCom) {
		t.Error("wecom flag set by dingtalk delivery")
	}

	a.SetDelivered(ChannelWeCom)
	if !a.Delivered(ChannelWeCom) {
		t.Error("wecom flag not set")
	}
}

func TestChannelTypeValid(t *testing.T) {
	if !ChannelDingTalk.Valid() || !ChannelWeCom.Valid() {
		t.Error("known channel types must validate")
	}
	if ChannelType("slack").Valid() {
		t.Error("unknown channel type must not validate")
	}
}
