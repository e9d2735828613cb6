package regime

// Family groups strategies by the market behavior they exploit.
type Family string

const (
	FamilyTrend          Family = "trend"
	FamilyMeanReversion  Family = "mean_reversion"
	FamilyMomentum       Family = "momentum"
	FamilyMicrostructure Family = "microstructure"
	FamilyExecution      Family = "execution"
	FamilyLongTerm       Family = "long_term"
	FamilySentiment      Family = "sentiment"
)

// fitness[regime][family] is the eligibility score in [0,1]. Momentum and
// trend score best in trends, mean-reversion in ranges; everything but
// defensive long-horizon strategies scores near zero in a crisis.
var fitness = map[Regime]map[Family]float64{
	RegimeTrendingUp: {
		FamilyTrend:          0.95,
		FamilyMomentum:       0.90,
		FamilyMeanReversion:  0.35,
		FamilyMicrostructure: 0.60,
		FamilyExecution:      0.70,
		FamilyLongTerm:       0.80,
		FamilySentiment:      0.60,
	},
	RegimeTrendingDown: {
		FamilyTrend:          0.70,
		FamilyMomentum:       0.55,
		FamilyMeanReversion:  0.40,
		FamilyMicrostructure: 0.50,
		FamilyExecution:      0.60,
		FamilyLongTerm:       0.45,
		FamilySentiment:      0.50,
	},
	RegimeRanging: {
		FamilyTrend:          0.25,
		FamilyMomentum:       0.30,
		FamilyMeanReversion:  0.90,
		FamilyMicrostructure: 0.70,
		FamilyExecution:      0.75,
		FamilyLongTerm:       0.60,
		FamilySentiment:      0.50,
	},
	RegimeHighVol: {
		FamilyTrend:          0.35,
		FamilyMomentum:       0.30,
		FamilyMeanReversion:  0.45,
		FamilyMicrostructure: 0.40,
		FamilyExecution:      0.50,
		FamilyLongTerm:       0.40,
		FamilySentiment:      0.30,
	},
	RegimeCrisis: {
		FamilyTrend:          0.10,
		FamilyMomentum:       0.05,
		FamilyMeanReversion:  0.10,
		FamilyMicrostructure: 0.05,
		FamilyExecution:      0.15,
		FamilyLongTerm:       0.30,
		FamilySentiment:      0.05,
	},
}

// Fitness returns the eligibility score for a strategy family in a regime.
// Unknown regimes score a neutral 0.5 so a cold start never vetoes.
func Fitness(r Regime, f Family) float64 {
	m, ok := fitness[r]
	if !ok {
		return 0.5
	}
	score, ok := m[f]
	if !ok {
		return 0.5
	}
	return score
}

// Eligible reports whether the family clears the veto floor in the regime.
func Eligible(r Regime, f Family) bool {
	return Fitness(r, f) >= MinFitness
}
