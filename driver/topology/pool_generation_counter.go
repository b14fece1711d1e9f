// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"sync"

	"github.com/mongocore/driver/description"
)

// generationStats represents the version of a pool. It tracks the generation
// number as well as the number of connections that belong to the generation.
type generationStats struct {
	generation uint64
	numConns   uint64
}

// poolGenerationMap tracks the version for each service ID present in a pool.
// For deployments that are not behind a load balancer, there is only one
// service ID: primaryServiceID. For load balanced deployments, each server
// behind the load balancer will have a unique service ID.
type poolGenerationMap struct {
	generationMap map[description.ObjectID]*generationStats

	sync.Mutex
}

// primaryServiceID is the service ID used for deployments that are not behind
// a load balancer.
var primaryServiceID = description.ObjectID{}

func newPoolGenerationMap() *poolGenerationMap {
	pgm := &poolGenerationMap{
		generationMap: make(map[description.ObjectID]*generationStats),
	}
	pgm.generationMap[primaryServiceID] = &generationStats{}
	return pgm
}

func (p *poolGenerationMap) addConnection(serviceIDPtr *description.ObjectID) uint64 {
	serviceID := getServiceID(serviceIDPtr)
	p.Lock()
	defer p.Unlock()

	stats, ok := p.generationMap[serviceID]
	if ok {
		// If the serviceID is already being tracked, we only need to
		// increment the connection count.
		stats.numConns++
		return stats.generation
	}

	// If the serviceID is untracked, create a new entry with a starting
	// generation number of 0.
	stats = &generationStats{
		numConns: 1,
	}
	p.generationMap[serviceID] = stats
	return 0
}

func (p *poolGenerationMap) removeConnection(serviceIDPtr *description.ObjectID) {
	serviceID := getServiceID(serviceIDPtr)
	p.Lock()
	defer p.Unlock()

	stats, ok := p.generationMap[serviceID]
	if !ok {
		return
	}

	// If the serviceID is being tracked, decrement the connection count and
	// delete this serviceID to prevent the map from growing unboundedly. This
	// case would happen if a server behind a load-balancer was permanently
	// removed and its connections were all closed.
	stats.numConns--
	if stats.numConns == 0 && serviceID != primaryServiceID {
		delete(p.generationMap, serviceID)
	}
}

func (p *poolGenerationMap) clear(serviceIDPtr *description.ObjectID) {
	serviceID := getServiceID(serviceIDPtr)
	p.Lock()
	defer p.Unlock()

	if stats, ok := p.generationMap[serviceID]; ok {
		stats.generation++
	}
}

func (p *poolGenerationMap) stale(serviceIDPtr *description.ObjectID, knownGeneration uint64) bool {
	return knownGeneration < p.getGeneration(serviceIDPtr)
}

func (p *poolGenerationMap) getGeneration(serviceIDPtr *description.ObjectID) uint64 {
	serviceID := getServiceID(serviceIDPtr)
	p.Lock()
	defer p.Unlock()

	if stats, ok := p.generationMap[serviceID]; ok {
		return stats.generation
	}
	return 0
}

func (p *poolGenerationMap) getNumConns(serviceIDPtr *description.ObjectID) uint64 {
	serviceID := getServiceID(serviceIDPtr)
	p.Lock()
	defer p.Unlock()

	if stats, ok := p.generationMap[serviceID]; ok {
		return stats.numConns
	}
	return 0
}

func getServiceID(oid *description.ObjectID) description.ObjectID {
	if oid == nil {
		return primaryServiceID
	}
	return *oid
}
