package config

import (
	"encoding/json"
	"io/ioutil"

	"github.com/liangpengcheng/qnetpool/base"
	"github.com/liangpengcheng/qnetpool/network"
)

// Config 服务配置
type Config struct {
	// Listen tcp监听地址 host:port
	Listen string `json:"listen"`
	// Debug 调试接口地址，空的话不开
	Debug string `json:"debug"`
	// Workers 工作线程数量
	Workers int `json:"workers"`
	// Network pool设置，数值字段零值用默认，bool字段按配置原值
	Network network.Settings `json:"network"`
}

// NewConfigFromJSON 加载一个配置
func NewConfigFromJSON(jsonstring []byte) *Config {
	cfg := &Config{}
	err := json.Unmarshal(jsonstring, cfg)
	if err != nil {
		base.LogError("load config failed %s", err.Error())
		return nil
	}
	return cfg
}

// NewConfigFromFile 加载一个配置文件
func NewConfigFromFile(filename string) *Config {
	bytes, err := ioutil.ReadFile(filename)
	if err == nil {
		return NewConfigFromJSON(bytes)
	}
	base.LogError("load config failed %s", err.Error())
	return nil
}
