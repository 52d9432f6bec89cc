package chain

import "testing"

func TestChainConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ChainConfig
		wantErr bool
	}{
		{
			name: "valid evm chain",
			cfg: ChainConfig{
				ID:      "ethereum",
				Type:    ChainTypeEVM,
				RPCUrls: []string{"http://localhost:8545"},
			},
			wantErr: false,
		},
		{
			name: "unsupported chain id",
			cfg: ChainConfig{
				ID:      "bitcoin",
				Type:    ChainTypeEVM,
				RPCUrls: []string{"http://localhost:8545"},
			},
			wantErr: true,
		},
		{
			name: "missing rpc urls",
			cfg: ChainConfig{
				ID:   "starknet",
				Type: ChainTypeStarknet,
			},
			wantErr: true,
		},
		{
			name: "missing id",
			cfg: ChainConfig{
				Type:    ChainTypeEVM,
				RPCUrls: []string{"http://localhost:8545"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultChainsConfig(t *testing.T) {
	cfg := DefaultChainsConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultChainsConfig() invalid: %v", err)
	}
	if len(cfg.Chains) != 3 {
		t.Fatalf("DefaultChainsConfig() chain count = %d, want 3", len(cfg.Chains))
	}

	eth, ok := cfg.GetChain(Ethereum)
	if !ok || eth.Type != ChainTypeEVM {
		t.Errorf("expected ethereum chain with evm type")
	}

	sn, ok := cfg.GetChain(Starknet)
	if !ok || sn.Type != ChainTypeStarknet {
		t.Errorf("expected starknet chain with starknet type")
	}
}

func TestChainsConfigActiveChains(t *testing.T) {
	cfg := &ChainsConfig{
		Chains: []ChainConfig{
			{ID: "ethereum", Type: ChainTypeEVM, RPCUrls: []string{"u"}, Status: "active"},
			{ID: "lisk", Type: ChainTypeEVM, RPCUrls: []string{"u"}, Status: "disabled"},
		},
	}
	active := cfg.ActiveChains()
	if len(active) != 1 || active[0].ID != "ethereum" {
		t.Errorf("ActiveChains() = %+v, want only ethereum", active)
	}
}
