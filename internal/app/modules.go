package app

import (
	"github.com/vk/etlgrid/internal/registry"
	"github.com/vk/etlgrid/modules/csv_sink"
	"github.com/vk/etlgrid/modules/csv_source"
	"github.com/vk/etlgrid/modules/http_pool"
	"github.com/vk/etlgrid/modules/http_source"
	"github.com/vk/etlgrid/modules/json_source"
	"github.com/vk/etlgrid/modules/jsonl_sink"
	"github.com/vk/etlgrid/modules/ksql_cluster"
	"github.com/vk/etlgrid/modules/ksql_sink"
	"github.com/vk/etlgrid/modules/s3_sink"
	"github.com/vk/etlgrid/modules/summary"
	"github.com/vk/etlgrid/modules/transform"
	"github.com/vk/etlgrid/modules/validate"
)

// coreModules is the definitive list of all modules that are compiled into
// the etlgrid binary.
var coreModules = []registry.Module{
	&csv_source.Module{},
	&json_source.Module{},
	&http_source.Module{},
	&validate.Module{},
	&transform.Module{},
	&csv_sink.Module{},
	&jsonl_sink.Module{},
	&ksql_sink.Module{},
	&s3_sink.Module{},
	&summary.Module{},
	&http_pool.Module{},
	&ksql_cluster.Module{},
}
