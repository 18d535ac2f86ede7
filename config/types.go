package config

// Config is the on-disk description of a levlend deployment. Token fields
// accept a symbol from Tokens or an address; address fields accept 0x hex or
// bech32.
type Config struct {
	Service     string `toml:"Service" yaml:"service"`
	Environment string `toml:"Environment" yaml:"environment"`
	Admin       string `toml:"Admin" yaml:"admin"`
	// DataDir holds the registry database. Empty keeps everything in memory.
	DataDir string `toml:"DataDir" yaml:"data_dir"`

	Server    Server           `toml:"server" yaml:"server"`
	Logging   Logging          `toml:"logging" yaml:"logging"`
	Telemetry Telemetry        `toml:"telemetry" yaml:"telemetry"`
	Tokens    []Token          `toml:"tokens" yaml:"tokens"`
	Genesis   []Allocation     `toml:"genesis" yaml:"genesis"`
	Oracle    Oracle           `toml:"oracle" yaml:"oracle"`
	Lending   Lending          `toml:"lending" yaml:"lending"`
	Venues    Venues           `toml:"venues" yaml:"venues"`
	Leverage  Leverage         `toml:"leverage" yaml:"leverage"`
	Whitelist []WhitelistEntry `toml:"whitelist" yaml:"whitelist"`
	// Pauses lists modules that start paused.
	Pauses []string `toml:"Pauses" yaml:"pauses"`
}

// Server configures the HTTP API.
type Server struct {
	Listen                string    `toml:"Listen" yaml:"listen"`
	RequestTimeoutSeconds int       `toml:"RequestTimeoutSeconds" yaml:"request_timeout_seconds"`
	JournalPath           string    `toml:"JournalPath" yaml:"journal_path"`
	Auth                  Auth      `toml:"auth" yaml:"auth"`
	RateLimit             RateLimit `toml:"rate_limit" yaml:"rate_limit"`
}

// Auth configures bearer token checks on the admin routes.
type Auth struct {
	Enabled       bool   `toml:"Enabled" yaml:"enabled"`
	HMACSecret    string `toml:"HMACSecret" yaml:"hmac_secret"`
	HMACSecretEnv string `toml:"HMACSecretEnv" yaml:"hmac_secret_env"`
	Issuer        string `toml:"Issuer" yaml:"issuer"`
	Audience      string `toml:"Audience" yaml:"audience"`
}

type RateLimit struct {
	RequestsPerMinute float64 `toml:"RequestsPerMinute" yaml:"requests_per_minute"`
	Burst             int     `toml:"Burst" yaml:"burst"`
}

// Logging configures the JSON log sink. With File set, logs also go to a
// rotated file.
type Logging struct {
	Level      string `toml:"Level" yaml:"level"`
	File       string `toml:"File" yaml:"file"`
	MaxSizeMB  int    `toml:"MaxSizeMB" yaml:"max_size_mb"`
	MaxBackups int    `toml:"MaxBackups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"MaxAgeDays" yaml:"max_age_days"`
}

type Telemetry struct {
	Endpoint string            `toml:"Endpoint" yaml:"endpoint"`
	Insecure bool              `toml:"Insecure" yaml:"insecure"`
	Headers  map[string]string `toml:"Headers" yaml:"headers"`
	Traces   bool              `toml:"Traces" yaml:"traces"`
	Metrics  bool              `toml:"Metrics" yaml:"metrics"`
}

// Token names an asset and fixes its decimals.
type Token struct {
	Symbol   string `toml:"Symbol" yaml:"symbol"`
	Address  string `toml:"Address" yaml:"address"`
	Decimals uint8  `toml:"Decimals" yaml:"decimals"`
}

// Allocation is an amount of a token in whole units, for example "2500.5".
type Allocation struct {
	Account string `toml:"Account" yaml:"account"`
	Token   string `toml:"Token" yaml:"token"`
	Amount  string `toml:"Amount" yaml:"amount"`
}

type Oracle struct {
	// Prices maps a token to its price as a decimal string.
	Prices          map[string]string `toml:"Prices" yaml:"prices"`
	MaxAgeSeconds   uint64            `toml:"MaxAgeSeconds" yaml:"max_age_seconds"`
	MaxDeviationBps uint64            `toml:"MaxDeviationBps" yaml:"max_deviation_bps"`
	Signers         []string          `toml:"Signers" yaml:"signers"`
}

type Lending struct {
	PoolAddress         string    `toml:"PoolAddress" yaml:"pool_address"`
	FlashLoanPremiumBps uint64    `toml:"FlashLoanPremiumBps" yaml:"flash_loan_premium_bps"`
	Reserves            []Reserve `toml:"reserves" yaml:"reserves"`
	// Deposits are supplied into the pool at startup.
	Deposits []Allocation `toml:"deposits" yaml:"deposits"`
}

type Reserve struct {
	Token                   string `toml:"Token" yaml:"token"`
	ReceiptToken            string `toml:"ReceiptToken" yaml:"receipt_token"`
	DebtToken               string `toml:"DebtToken" yaml:"debt_token"`
	LTVBps                  uint64 `toml:"LTVBps" yaml:"ltv_bps"`
	LiquidationThresholdBps uint64 `toml:"LiquidationThresholdBps" yaml:"liquidation_threshold_bps"`
	BorrowingEnabled        bool   `toml:"BorrowingEnabled" yaml:"borrowing_enabled"`
}

// Venues lists the swap venues and the account that seeds their liquidity.
type Venues struct {
	Provider string          `toml:"Provider" yaml:"provider"`
	Curve    []CurvePool     `toml:"curve" yaml:"curve"`
	Balancer []BalancerVault `toml:"balancer" yaml:"balancer"`
	Uniswap  []UniswapRouter `toml:"uniswap" yaml:"uniswap"`
}

type CurvePool struct {
	Address string   `toml:"Address" yaml:"address"`
	Coins   []string `toml:"Coins" yaml:"coins"`
	LPToken string   `toml:"LPToken" yaml:"lp_token"`
	A       uint64   `toml:"A" yaml:"a"`
	// Fee is scaled by 1e10.
	Fee  uint64   `toml:"Fee" yaml:"fee"`
	Seed []string `toml:"Seed" yaml:"seed"`
}

type BalancerVault struct {
	Address string         `toml:"Address" yaml:"address"`
	Pools   []BalancerPool `toml:"pools" yaml:"pools"`
}

type BalancerPool struct {
	// ID is the hex encoded 32-byte pool id.
	ID     string `toml:"ID" yaml:"id"`
	TokenA string `toml:"TokenA" yaml:"token_a"`
	TokenB string `toml:"TokenB" yaml:"token_b"`
	FeeBps uint64 `toml:"FeeBps" yaml:"fee_bps"`
	SeedA  string `toml:"SeedA" yaml:"seed_a"`
	SeedB  string `toml:"SeedB" yaml:"seed_b"`
}

type UniswapRouter struct {
	Address string        `toml:"Address" yaml:"address"`
	Pools   []UniswapPool `toml:"pools" yaml:"pools"`
}

type UniswapPool struct {
	TokenA string `toml:"TokenA" yaml:"token_a"`
	TokenB string `toml:"TokenB" yaml:"token_b"`
	Fee    uint32 `toml:"Fee" yaml:"fee"`
	SeedA  string `toml:"SeedA" yaml:"seed_a"`
	SeedB  string `toml:"SeedB" yaml:"seed_b"`
}

type Leverage struct {
	Markets []Market `toml:"markets" yaml:"markets"`
}

// Market deploys one vault and one engine for a collateral token.
type Market struct {
	Collateral     string        `toml:"Collateral" yaml:"collateral"`
	Vault          string        `toml:"Vault" yaml:"vault"`
	Engine         string        `toml:"Engine" yaml:"engine"`
	MaxLeverageBps uint64        `toml:"MaxLeverageBps" yaml:"max_leverage_bps"`
	BorrowAssets   []BorrowAsset `toml:"borrow_assets" yaml:"borrow_assets"`
}

type BorrowAsset struct {
	Token       string `toml:"Token" yaml:"token"`
	SlippageBps uint64 `toml:"SlippageBps" yaml:"slippage_bps"`
}

// WhitelistEntry bootstraps the allow-lists of one vault.
type WhitelistEntry struct {
	Vault   string   `toml:"Vault" yaml:"vault"`
	Callers []string `toml:"Callers" yaml:"callers"`
	Users   []string `toml:"Users" yaml:"users"`
}
