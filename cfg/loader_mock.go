package cfg

type MockLoader struct{}

func NewMockLoader() (*MockLoader, error) {
	return &MockLoader{}, nil
}

func (yl *MockLoader) Load() (*Config, error) {
	return &Config{
		// App
		App: App{
			Name:    "nf-catalog",
			Version: "0.0.1",
		},

		// Mysql
		Mysql: Mysql{
			Host:                  "127.0.0.1",
			Password:              "root",
			Username:              "root",
			Port:                  "3306",
			Database:              "nf_catalog",
			MaxIdleConnection:     10,
			MaxOpenConnection:     100,
			MaxLifeTimeConnection: 3600,
		},

		// GithubApi
		GithubApi: GithubApi{
			AccessToken:       "",
			BaseUrl:           "https://api.github.com",
			PerPage:           100,
			RequestsPerSecond: 10,
			RateLimitResetMin: 1,
			MaxRetries:        3,
			BackoffBaseMs:     200,
		},

		// Kafka
		Kafka: Kafka{
			Enabled: false,
			Brokers: []string{"127.0.0.1:9092"},
			Producer: KafkaProducer{
				TopicCatalog: "catalog-events",
			},
		},

		// Redis
		Redis: Redis{
			Url:           "redis://127.0.0.1:6379/0",
			RunLockKey:    "nf-catalog:pipeline:run-lock",
			RunLockTtlMin: 120,
		},

		// OpenSearch
		OpenSearch: OpenSearch{
			Address: "https://127.0.0.1:9200",
			Index:   "nf-catalog",
		},

		// Pipeline
		Pipeline: Pipeline{
			Keywords:           []string{"nextflow"},
			MaxPages:           10,
			Parallelism:        5,
			MissedRunThreshold: 3,
			ScheduleEveryHours: 24,
			Inclusion: Inclusion{
				TopicAllowList:   []string{"nextflow"},
				BlockList:        []string{"nextflow-io", "nf-core/modules", "nf-core/tools", "nf-core/configs"},
				PushedWithinDays: 1095,
				MinStars:         0,
			},
		},
	}, nil
}
