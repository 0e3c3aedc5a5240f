package config

import "time"

// Default value constants.
const (
	DefaultDBHost     = "localhost"
	DefaultDBPort     = 5432
	DefaultDBName     = "exammatch"
	DefaultDBMaxConns = 25

	DefaultRedisAddr      = "localhost:6379"
	DefaultRedisKeyPrefix = "exammatch:"

	DefaultMilvusAddr       = "localhost:19530"
	DefaultMilvusCollection = "exam_concepts"
	DefaultEmbeddingDim     = 384

	DefaultOpenSearchIndex = "exam-concepts"

	DefaultKafkaBroker = "localhost:9092"
	DefaultKafkaTopic  = "exammatch.batch.events"

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	DefaultMaxConcurrent = 8
	DefaultMaxAlternates = 5

	DefaultMaxExpansionPasses = 5
)

// ApplyDefaults fills every zero-value field in cfg with the engine default.
// Fields already set by the caller are left unchanged so explicit
// configuration always wins.  It must run after unmarshalling and before
// Validate() so optional-but-defaulted fields are never seen as missing.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}

	if cfg.Database.Host == "" {
		cfg.Database.Host = DefaultDBHost
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = DefaultDBPort
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = DefaultDBName
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = DefaultDBMaxConns
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = time.Hour
	}
	if cfg.Database.MigrationPath == "" {
		cfg.Database.MigrationPath = "migrations"
	}

	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = DefaultRedisAddr
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}
	if cfg.Redis.DialTimeout == 0 {
		cfg.Redis.DialTimeout = 5 * time.Second
	}

	if cfg.Milvus.Addr == "" {
		cfg.Milvus.Addr = DefaultMilvusAddr
	}
	if cfg.Milvus.CollectionName == "" {
		cfg.Milvus.CollectionName = DefaultMilvusCollection
	}
	if cfg.Milvus.EmbeddingDim == 0 {
		cfg.Milvus.EmbeddingDim = DefaultEmbeddingDim
	}
	if cfg.Milvus.VectorField == "" {
		cfg.Milvus.VectorField = "embedding"
	}
	if cfg.Milvus.EmbeddingTimeout == 0 {
		cfg.Milvus.EmbeddingTimeout = 10 * time.Second
	}

	if cfg.OpenSearch.IndexName == "" {
		cfg.OpenSearch.IndexName = DefaultOpenSearchIndex
	}

	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{DefaultKafkaBroker}
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = DefaultKafkaTopic
	}
	if cfg.Kafka.WriteTimeout == 0 {
		cfg.Kafka.WriteTimeout = 10 * time.Second
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}

	if cfg.Engine.MaxConcurrent == 0 {
		cfg.Engine.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Engine.RecordTimeout == 0 {
		cfg.Engine.RecordTimeout = 10 * time.Second
	}
	if cfg.Engine.BatchTimeout == 0 {
		cfg.Engine.BatchTimeout = 5 * time.Minute
	}
	if cfg.Engine.MaxAlternates == 0 {
		cfg.Engine.MaxAlternates = DefaultMaxAlternates
	}
}

// DefaultRules returns the built-in matching-rule document.  It carries a
// working subset of the production table (configs/matching.yaml) so that the
// engine can run without a rules file and so tests have a realistic,
// self-contained rule set.  Production deployments load the full document
// from disk; the file wins over these values wholesale, never field-by-field.
func DefaultRules() *MatchingRules {
	return &MatchingRules{
		Version: "builtin-1",

		Abbreviations: map[string]string{
			"ched":   "head",
			"abd":    "abdomen",
			"abdo":   "abdomen",
			"pelv":   "pelvis",
			"c-spine": "cervical spine",
			"l-spine": "lumbar spine",
			"t-spine": "thoracic spine",
			"cxr":    "chest x-ray",
			"kub":    "kidneys ureters bladder",
			"w/c":    "with contrast",
			"w/o c":  "without contrast",
			"+c":     "with contrast",
			"-c":     "without contrast",
			"c+":     "with contrast",
			"c-":     "without contrast",
			"w/":     "with",
			"bilat":  "bilateral",
			"lt":     "left",
			"rt":     "right",
			"angio":  "angiography",
			"cta":    "ct angiography",
			"ctv":    "ct venography",
			"mra":    "mr angiography",
			"mrv":    "mr venography",
			"us":     "ultrasound",
			"xr":     "x-ray",
			"dexa":   "dual-energy x-ray absorptiometry",
			"dxa":    "dual-energy x-ray absorptiometry",
			"bx":     "biopsy",
			"fna":    "fine needle aspiration",
			"paeds":  "paediatric",
			"peds":   "paediatric",
			"preg":   "pregnancy",
		},

		AnatomyVocabulary: []AnatomyEntry{
			{Canonical: "head", Synonyms: []string{"brain", "skull", "cranium", "cerebral"}, Region: "neuro"},
			{Canonical: "neck", Synonyms: []string{"cervical soft tissue"}, Region: "neuro"},
			{Canonical: "cervical spine", Synonyms: []string{"c spine", "neck spine"}, Region: "spine"},
			{Canonical: "thoracic spine", Synonyms: []string{"t spine", "dorsal spine"}, Region: "spine"},
			{Canonical: "lumbar spine", Synonyms: []string{"l spine", "ls spine"}, Region: "spine"},
			{Canonical: "chest", Synonyms: []string{"thorax", "lungs"}, Region: "body"},
			{Canonical: "lung", Synonyms: []string{"pulmonary"}, Region: "body"},
			{Canonical: "abdomen", Synonyms: []string{"abdominal", "belly"}, Region: "body"},
			{Canonical: "pelvis", Synonyms: []string{"pelvic"}, Region: "body"},
			{Canonical: "liver", Synonyms: []string{"hepatic"}, Region: "body"},
			{Canonical: "kidney", Synonyms: []string{"renal", "kidneys"}, Region: "body"},
			{Canonical: "breast", Synonyms: []string{"mammary"}, Region: "breast"},
			{Canonical: "prostate", Synonyms: []string{"prostatic"}, Region: "pelvis"},
			{Canonical: "penis", Synonyms: []string{"penile"}, Region: "pelvis"},
			{Canonical: "uterus", Synonyms: []string{"uterine", "womb"}, Region: "pelvis"},
			{Canonical: "knee", Synonyms: []string{"patella"}, Region: "msk"},
			{Canonical: "shoulder", Synonyms: []string{"glenohumeral"}, Region: "msk"},
			{Canonical: "hip", Synonyms: []string{"femoral head"}, Region: "msk"},
			{Canonical: "wrist", Synonyms: []string{"carpal"}, Region: "msk"},
			{Canonical: "aorta", Synonyms: []string{"aortic"}, Region: "vascular"},
			{Canonical: "carotid artery", Synonyms: []string{"carotid"}, Region: "vascular"},
			{Canonical: "pulmonary artery", Synonyms: []string{"pulmonary arteries"}, Region: "vascular"},
			{Canonical: "thyroid", Synonyms: []string{"thyroid gland"}, Region: "neck"},
		},

		ModalityCodes: []string{"CT", "MR", "XR", "US", "NM", "PT", "MG", "FL", "DX", "CR", "DXA", "PTCT", "PTMR"},
		ModalityNames: map[string][]string{
			"CT":   {"ct", "computed tomography"},
			"MR":   {"mr", "mri", "magnetic resonance"},
			"XR":   {"xr", "x-ray", "radiograph"},
			"US":   {"us", "ultrasound", "sonography"},
			"NM":   {"nm", "nuclear medicine", "scintigraphy"},
			"PT":   {"pt", "pet", "positron emission tomography"},
			"MG":   {"mg", "mammography", "mammogram"},
			"FL":   {"fl", "fluoroscopy"},
			"DXA":  {"dxa", "dual-energy x-ray absorptiometry", "bone densitometry"},
			"PTCT": {"pet ct", "pet-ct"},
			"PTMR": {"pet mr", "pet-mr", "pet mri"},
		},
		ModalitySimilarity: map[string]map[string]float64{
			"XR": {"DX": 0.9, "CR": 0.9, "FL": 0.5, "MG": 0.3},
			"DX": {"CR": 0.9},
			"CT": {"PTCT": 0.6},
			"MR": {"PTMR": 0.6},
			"PT": {"PTCT": 0.7, "PTMR": 0.7, "NM": 0.5},
			"NM": {"PT": 0.5},
		},

		LateralityMarkers: map[string][]string{
			"left":      {"left"},
			"right":     {"right"},
			"bilateral": {"bilateral", "both", "b/l"},
		},
		ContrastPositive: []string{"with contrast", "contrast enhanced", "post contrast", "enhanced", "with gadolinium", "with iv contrast"},
		ContrastNegative: []string{"without contrast", "non contrast", "noncontrast", "unenhanced", "no contrast", "plain"},
		TechniqueMarkers: []string{"angiography", "venography", "doppler", "biopsy", "fine needle aspiration", "drainage", "perfusion", "spectroscopy", "high resolution", "colonography", "enterography", "urography", "arthrogram", "dual-energy x-ray absorptiometry"},

		GenderKeywords: map[string][]string{
			"male":   {"male", "scrotum", "testis", "testicular", "prostate", "penis"},
			"female": {"female", "uterus", "ovary", "ovarian", "obstetric", "gynaecological"},
		},
		AgeKeywords: map[string][]string{
			"paediatric": {"paediatric", "pediatric", "infant", "neonatal", "child"},
			"adult":      {"adult"},
		},
		PregnancyKeywords:       []string{"pregnancy", "obstetric", "fetal", "foetal", "antenatal"},
		ClinicalContextKeywords: []string{"trauma", "oncology", "staging", "screening", "follow up", "post operative"},

		WeightsComponent: ComponentWeights{
			Modality:   0.35,
			Anatomy:    0.25,
			Contrast:   0.20,
			Laterality: 0.10,
			Technique:  0.10,
		},
		WeightsFinal: FinalWeights{
			Component: 0.65,
			Reranker:  0.35,
		},
		MinimumComponentThresholds: MinimumThresholds{
			Enable:      true,
			AnatomyMin:  0.10,
			ModalityMin: 0.20,
			ContrastMin: 0.05,
			CombinedMin: 0.30,
		},
		ContrastScoring: ContrastScoring{
			NullScore:                       0.70,
			MismatchScore:                   0.05,
			PreferNoContrastWhenUnspecified: true,
			NoContrastPreferenceBonus:       0.05,
		},
		LateralityScoring: LateralityScoring{
			BilateralPartialScore: 0.50,
			UnspecifiedScore:      0.70,
		},
		Bonuses: ScoringBonuses{
			ExactNameMatch:                    0.15,
			SynonymMatch:                      0.05,
			InterventionalAgreement:           0.05,
			InterventionalDisagreementPenalty: -0.10,
			ContextMatch:                      0.05,
			ContextMismatchPenalty:            -0.05,
		},
		ClinicalSpecificityScoring: ClinicalSpecificityScoring{
			Enable:                    true,
			DetailWordBonus:           0.03,
			FillerWordPenalty:         -0.05,
			PreferGenericAnatomyBonus: 0.02,
			MaxAdjustment:             0.10,
			DetailWords:               []string{"artery", "vein", "duct", "lobe", "segment", "protocol"},
			FillerWords:               []string{"procedure", "examination", "service", "charge", "misc", "other"},
		},

		AnatomicalCompatibilityConstraints: AnatomicalCompatibilityConstraints{
			Enable:  true,
			Penalty: -10.0,
			IncompatiblePairs: [][]string{
				{"breast", "penis"},
				{"breast", "prostate"},
				{"uterus", "prostate"},
				{"head", "prostate"},
			},
		},
		HybridModalityConstraints: HybridModalityConstraints{
			Enable:           true,
			Penalty:          -10.0,
			HybridModalities: []string{"PTCT", "PTMR"},
		},
		DiagnosticProtection: DiagnosticProtection{
			Enable:  true,
			Penalty: -10.0,
			DiagnosticIndicators:     []string{"screening", "routine", "surveillance", "diagnostic"},
			InterventionalIndicators: []string{"biopsy", "drainage", "aspiration", "injection", "ablation", "stent", "embolisation", "fine needle aspiration"},
		},
		VesselTypePreference: VesselTypePreference{
			Enable:                  true,
			ArterialBonus:           0.05,
			VenousPenalty:           -0.03,
			GenericAngiographyTerms: []string{"angiography"},
			ArterialTerms:           []string{"artery", "arterial", "aorta", "arteriogram"},
			VenousTerms:             []string{"vein", "venous", "venography", "venogram"},
		},
		BiopsyOrganModalityPreferences: BiopsyModalityPreferences{
			Enable: true,
			Preferences: map[string]map[string]float64{
				"lung":     {"CT": 0.08, "FL": 0.01},
				"liver":    {"US": 0.08, "CT": 0.05},
				"breast":   {"US": 0.08, "MG": 0.05},
				"prostate": {"US": 0.08, "MR": 0.05},
				"thyroid":  {"US": 0.10},
			},
		},

		AcceptanceThreshold: 0.60,

		Preprocess: PreprocessRules{MaxExpansionPasses: DefaultMaxExpansionPasses},
		Retriever:  RetrieverRules{TopK: 15, TimeoutMS: 2000, Backend: "catalog"},
		Reranker:   RerankerRules{Enable: false, TimeoutMS: 1500},
	}
}
