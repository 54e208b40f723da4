package config

import (
	"reflect"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/G-Research/simulator/internal/simulator/address"
	"github.com/G-Research/simulator/internal/simulator/settings"
)

var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		WorkerTypeHookFunc(),
		SimulatorAddressHookFunc(),
	)),
}

func WorkerTypeHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// check that src and target types are valid
		if f.Kind() != reflect.String || t != reflect.TypeOf(settings.Member) {
			return data, nil
		}
		return settings.ParseWorkerType(data.(string))
	}
}

func SimulatorAddressHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(address.SimulatorAddress{}) {
			return data, nil
		}
		return address.Parse(data.(string))
	}
}
