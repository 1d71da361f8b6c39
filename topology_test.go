package kelpie_test

import (
	"testing"

	"github.com/kelpieio/kelpie"
	"github.com/stretchr/testify/suite"
)

type TopologyTestSuite struct {
	CommonTestSuite
}

func TestTopologyTestSuite(t *testing.T) {
	suite.Run(t, new(TopologyTestSuite))
}

const demoTopologyYAML = `
name: demo
networks:
  - id: net1
    name: lan
gateways:
  - id: gw1
    name: edge
    type: router
    net: [net1, internet]
servers:
  - id: srv1
    name: bastion
    imageType: vm
    image: ubuntu
    role: operator
    external: true
    net:
      - net: net1
  - id: srv2
    name: victim
    imageType: vm
    image: centos
    role: target
    net:
      - net: net1
        ip: 10.128.0.50
`

func (s *TopologyTestSuite) TestParseTopology() {
	tests := []struct {
		description string
		data        string
		expectedErr bool
	}{
		{"empty document", "", true},
		{"missing name", "networks: []", true},
		{"invalid yaml", "name: [", true},
		{"valid document", demoTopologyYAML, false},
	}

	for _, test := range tests {
		msg := testMsgFunc(test.description)
		topo, err := kelpie.ParseTopology([]byte(test.data))
		if test.expectedErr {
			s.Error(err, msg("should fail"))
			s.Nil(topo, msg("failure shouldn't return a topology"))
		} else {
			s.NoError(err, msg("should succeed"))
			s.NotNil(topo, msg("should return a topology"))
		}
	}
}

func (s *TopologyTestSuite) TestParseTopologyFields() {
	topo, err := kelpie.ParseTopology([]byte(demoTopologyYAML))
	s.Require().NoError(err)

	s.Equal("demo", topo.Name)
	s.Len(topo.Networks, 1)
	s.Len(topo.Gateways, 1)
	s.Len(topo.Servers, 2)

	s.Equal(kelpie.GatewayRouter, topo.Gateways[0].Type)
	s.Equal([]string{"net1", "internet"}, topo.Gateways[0].Nets)

	s.True(topo.Servers[0].External)
	s.Equal(kelpie.RoleOperator, topo.Servers[0].Role)
	s.Equal("10.128.0.50", topo.Servers[1].Nets[0].IP)
}
