package capability

import (
	"strings"
	"testing"
)

func testUniverse() Universe {
	return Universe{
		"bitcoin": {
			{
				App: "bitcoin", ID: "rpc",
				Variables: map[string]Value{
					"BITCOIN_RPC_PORT": IntValue(8332),
					"BITCOIN_RPC_USER": StringValue("user"),
				},
			},
			{
				App: "bitcoin", ID: "p2p",
				Variables: map[string]Value{
					"BITCOIN_P2P_PORT": IntValue(8333),
				},
			},
			{
				App: "bitcoin", ID: "full",
				Includes: []string{"rpc", "p2p"},
				Variables: map[string]Value{
					"BITCOIN_NETWORK": StringValue("mainnet"),
				},
			},
		},
		"lnd": {
			{
				App: "lnd", ID: "grpc",
				Includes: []string{"bitcoin/rpc"},
				Variables: map[string]Value{
					"LND_GRPC_PORT": IntValue(10009),
				},
			},
		},
	}
}

func TestResolveScopedFollowsIncludes(t *testing.T) {
	vars, warnings := Resolve([]string{"bitcoin/full"}, testUniverse())
	if len(warnings) != 0 {
		t.Fatalf("warnings = %v, want none", warnings)
	}
	for _, key := range []string{"BITCOIN_NETWORK", "BITCOIN_RPC_PORT", "BITCOIN_P2P_PORT"} {
		if _, ok := vars[key]; !ok {
			t.Fatalf("missing variable %q in %v", key, vars)
		}
	}
}

func TestResolveAppWideSkipsIncludes(t *testing.T) {
	u := testUniverse()
	u["bitcoin"][2].Includes = []string{"lnd/grpc"}

	vars, _ := Resolve([]string{"bitcoin"}, u)
	if _, ok := vars["LND_GRPC_PORT"]; ok {
		t.Fatalf("app-wide grant followed an include: %v", vars)
	}
	if _, ok := vars["BITCOIN_RPC_PORT"]; !ok {
		t.Fatalf("app-wide grant missed a capability variable: %v", vars)
	}
}

func TestResolveIncludeCycleTerminates(t *testing.T) {
	u := Universe{
		"a": {{App: "a", ID: "x", Includes: []string{"b/y"}, Variables: map[string]Value{"AX": IntValue(1)}}},
		"b": {{App: "b", ID: "y", Includes: []string{"a/x"}, Variables: map[string]Value{"BY": IntValue(2)}}},
	}
	vars, warnings := Resolve([]string{"a/x"}, u)
	if len(warnings) != 0 {
		t.Fatalf("warnings = %v, want none", warnings)
	}
	if _, ok := vars["AX"]; !ok {
		t.Fatalf("missing AX: %v", vars)
	}
	if _, ok := vars["BY"]; !ok {
		t.Fatalf("missing BY: %v", vars)
	}
}

func TestResolveDuplicateKeyFirstWins(t *testing.T) {
	u := Universe{
		"a": {{App: "a", ID: "x", Variables: map[string]Value{"PORT": IntValue(1)}}},
		"b": {{App: "b", ID: "y", Variables: map[string]Value{"PORT": IntValue(2)}}},
	}
	vars, warnings := Resolve([]string{"a/x", "b/y"}, u)
	if got := vars["PORT"]; got.Int != 1 {
		t.Fatalf("PORT = %v, want first writer 1", got)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "duplicate variable") {
		t.Fatalf("warnings = %v, want one duplicate-variable warning", warnings)
	}
}

func TestResolveUnknownGrantWarns(t *testing.T) {
	_, warnings := Resolve([]string{"ghost/cap", "ghost"}, testUniverse())
	if len(warnings) != 2 {
		t.Fatalf("warnings = %v, want two", warnings)
	}
}

func TestBestMatch(t *testing.T) {
	caps := []Capability{
		{App: "a", ID: "big", Includes: []string{"x", "y"}},
		{App: "a", ID: "small"},
		{App: "a", ID: "tiny"},
	}
	all := func(*Capability) bool { return true }

	tests := []struct {
		name    string
		caps    []Capability
		granted []string
		pred    func(*Capability) bool
		want    string
	}{
		{"no match", caps, nil, func(*Capability) bool { return false }, ""},
		{"single match wins", caps, nil, func(c *Capability) bool { return c.ID == "big" }, "big"},
		{"granted wins", caps, []string{"a/big"}, all, "big"},
		{"fewest includes then id", caps, nil, all, "small"},
	}
	for _, tt := range tests {
		got := BestMatch(tt.caps, tt.granted, tt.pred)
		switch {
		case tt.want == "" && got != nil:
			t.Fatalf("%s: got %q, want nil", tt.name, got.ID)
		case tt.want != "" && (got == nil || got.ID != tt.want):
			t.Fatalf("%s: got %v, want %q", tt.name, got, tt.want)
		}
	}
}

func TestBestMatchGrantedBeatsOrder(t *testing.T) {
	caps := []Capability{
		{App: "a", ID: "zz"},
		{App: "a", ID: "aa"},
	}
	got := BestMatch(caps, []string{"a/zz"}, func(*Capability) bool { return true })
	if got == nil || got.ID != "zz" {
		t.Fatalf("got %v, want granted capability zz", got)
	}
}
