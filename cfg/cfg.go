package cfg

type (
	App struct {
		Name    string
		Version string
	}

	Mysql struct {
		Host                  string
		Port                  string
		Username              string
		Password              string
		Database              string
		MaxIdleConnection     int
		MaxOpenConnection     int
		MaxLifeTimeConnection int
	}

	GithubApi struct {
		AccessToken       string
		BaseUrl           string
		PerPage           int
		RequestsPerSecond int
		RateLimitResetMin int
		MaxRetries        int
		BackoffBaseMs     int
	}

	KafkaProducer struct {
		TopicCatalog string
	}

	Kafka struct {
		Enabled  bool
		Brokers  []string
		Producer KafkaProducer
	}

	Redis struct {
		Url           string
		RunLockKey    string
		RunLockTtlMin int
	}

	OpenSearch struct {
		Address  string
		Username string
		Password string
		Index    string
	}

	// Inclusion is the predicate configuration for the filter stage.
	Inclusion struct {
		TopicAllowList   []string
		BlockList        []string
		PushedWithinDays int
		MinStars         int
	}

	Pipeline struct {
		Keywords           []string
		MaxPages           int
		Parallelism        int
		MissedRunThreshold int
		ScheduleEveryHours int
		Inclusion          Inclusion
	}
)

type Config struct {
	App        App
	Mysql      Mysql
	GithubApi  GithubApi
	Kafka      Kafka
	Redis      Redis
	OpenSearch OpenSearch
	Pipeline   Pipeline
}
