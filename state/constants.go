package state

import "time"

const (
	GtkCount  = 4
	LgtkCount = 4
)

const (
	RankInfinite uint16 = 0xffff
	LollipopInit uint8  = 240
)

// RFC 8415 15. Reliability of Client-Initiated Message Exchanges
const TxalgRandFactor = 0.1

var (
	// Wi-SUN FAN 1.1v08 6.5.2.1.1 SUP Operation
	KeyRequestIrt = time.Second * 300
	KeyRequestMrt = time.Second * 3600
	KeyRequestMrc = 3 // Unspecified

	SupplicantTimeout = time.Second * 60

	// IEEE 802.11-2020 C.3 MIB detail:
	// dot11RSNAConfigPairwiseUpdateCount [...] DEFVAL { 3 }
	EapolRetryMax = 3

	// Wi-SUN FAN 1.1v09 6.5.2.5 Revocation of Node Access
	RevocationLifetimeReduction = 30

	// PAN Config Solicits sent without an answer before the PAN is
	// declared lost.
	PcsMax = 5

	// minimum traffic before an ETX estimate updates, minimum spacing
	// between updates, and how stale an estimate may go before probing
	EtxUpdateMinTxReq = 4
	EtxUpdateMinDelay = time.Minute * 1
	EtxRefreshPeriod  = time.Minute * 30

	// Delay DIS transmission until the PAN Configuration async sequence
	// has ended to avoid collisions.
	DisMinDelay = time.Second * 1
	DisMaxDelay = time.Second * 6
	DisIrt      = time.Second * 5
	DisMrt      = time.Second * 180

	// Wi-SUN FAN 1.1v09 6.2.1.1 Configuration Parameters
	DaoIrt = time.Second * 3
	DaoMrc = 3

	// RFC 6719 5. MRHOF Variables and Parameters
	MaxLinkMetric         float32 = 512   // 128 * 4
	MaxPathCost           float32 = 32768 // 128 * 256
	ParentSwitchThreshold float32 = 192   // 128 * 1.5

	// Wi-SUN FAN 1.1v09 6.2.3.1.6.3 Upward Route Formation
	CandParentThresholdDb  = 10
	CandParentHysteresisDb = 3

	// Wi-SUN FAN 1.1v08 6.2.3.1.2.1.2 Global and Unique Local Addresses
	DhcpSolicitMaxDelay = time.Second * 60
	DhcpSolicitIrt      = time.Second * 60
	DhcpSolicitMrt      = time.Second * 3600
	DhcpSolicitMrc      = 3 // Arbitrary

	// RFC 8415 7.6. Transmission and Retransmission Parameters
	DhcpRelayHopLimit = 8

	// RFC 4944 5.3. Fragmentation Type and Header
	ReasmTimeout = time.Second * 60

	// same lifetime as MAC neighbors
	AroLifetime = time.Second * 2200

	// Wi-SUN FAN 1.1v09 6.2.1.1 Configuration Parameters
	NcrRespWindow = time.Second * 10

	// the default RETRANS_TIMER of 1s is not suited for Wi-SUN
	NudProbeDelay = time.Second * 60

	// RFC 4861 10. Protocol Constants. Wi-SUN disables Router
	// Advertisements, so nothing ever adjusts these at runtime.
	NudReachBase       = time.Second * 30
	NudRetransTimer    = time.Second * 1
	NudMaxUnicastProbe = 3

	// delay between MAC unregistration and shutdown so final frames drain
	UnregSettleDelay = time.Second * 2

	// margin added to restored frame counters to stay ahead of frames
	// sent after the last disk sync
	FrameCounterJump uint32 = 200000

	// same idea for restored EAPOL-Key replay counters
	ReplayCounterJump uint64 = 100

	GcDelay = time.Second * 30
)
