/*
Copyright 2024 Aussie Gateway Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aussie",
		Name:      "gateway_requests_total",
		Help:      "Requests processed by the gateway, by pipeline outcome.",
	}, []string{"service", "result"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "aussie",
		Name:      "gateway_request_duration_seconds",
		Help:      "Wall time per request, pipeline and upstream included.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"service"})

	websocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "aussie",
		Name:      "gateway_websocket_connections",
		Help:      "Currently open proxied websocket connections.",
	})
)
